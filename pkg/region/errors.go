package region

import "errors"

// ErrNoMemory is returned when a chunk allocation or directory build
// fails because the host or hypervisor is out of memory.
var ErrNoMemory = errors.New("region: no memory available")

// ErrNotFound is returned when a region lookup fails.
var ErrNotFound = errors.New("region: not found")

// ErrNotUsed is returned when an operation that requires a used region
// (e.g. free, slice) is given a free one.
var ErrNotUsed = errors.New("region: region is not in use")

// ErrUnaligned is returned when a requested size or offset is not a
// page multiple.
var ErrUnaligned = errors.New("region: size or offset not page-aligned")

// ErrBadSlice is returned when SliceCenter's offset+length would run
// past the end of the region being sliced.
var ErrBadSlice = errors.New("region: slice out of bounds")
