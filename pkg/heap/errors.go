package heap

import "errors"

// ErrNoBrk is returned by Brk before InitBrk has seeded the data
// segment's initial mapping.
var ErrNoBrk = errors.New("heap: brk not initialized")

// ErrNotFound is returned when munmap/mremap name an address with no
// matching mapping.
var ErrNotFound = errors.New("heap: no such mapping")

// ErrFixedOverlap is returned when a MAP_FIXED request overlaps
// existing mappings without lying entirely inside one of them (for
// example, when it spans more than one); callers issue separate
// munmap/mmap calls instead.
var ErrFixedOverlap = errors.New("heap: MAP_FIXED spans multiple mappings")

// ErrMremapFixed is returned for MREMAP_FIXED, which this package
// leaves explicitly unsupported.
var ErrMremapFixed = errors.New("heap: MREMAP_FIXED is not supported")

// ErrNoFiller is returned by a file-backed mmap when no FileFiller has
// been registered.
var ErrNoFiller = errors.New("heap: no file-backed mmap handler registered")
