package pager

import "errors"

// ErrNotLongMode is returned by Initialize if asked for anything but
// x86-64 long mode.
var ErrNotLongMode = errors.New("pager: only long mode is supported")

// ErrNoMemory is returned when a directory page is needed and none is
// available.
var ErrNoMemory = errors.New("pager: no memory for page tables")

// ErrNotMapped is returned by GetHostPointer/UnmapRegion-style lookups
// that walk off the end of a table without finding a present entry.
var ErrNotMapped = errors.New("pager: address not mapped")

// ErrUnaligned is returned when a host or guest address passed in is
// not page-aligned.
var ErrUnaligned = errors.New("pager: address not page-aligned")

// ErrOutOfPhysical is returned when the chunk bump allocator runs past
// the address space the monitor is willing to back with memory.
var ErrOutOfPhysical = errors.New("pager: out of guest-physical space")
