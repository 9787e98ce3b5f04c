// Package region owns every guest-visible memory region: it carves
// regions out of pager-backed chunks, serves allocations from
// per-chunk free lists with splitting and coalescing, and hands the
// resulting host/guest address pairs up to the heap and ELF loader.
package region

import "github.com/elkvm/elkvm/pkg/guest"

// Purpose tags why a region was allocated, purely for diagnostics and
// for the heap's brk/mmap bookkeeping; the region manager itself treats
// all regions identically.
type Purpose int

const (
	PurposeNone Purpose = iota
	PurposeText
	PurposeData
	PurposeBrk
	PurposeMmapAnon
	PurposeMmapFile
	PurposeStack
	PurposeEnv
	PurposeGDT
	PurposeIDT
	PurposeTSS
	PurposeISR
	PurposeEntryTrampoline
	PurposeKernel
	PurposePageTables
)

func (p Purpose) String() string {
	switch p {
	case PurposeText:
		return "text"
	case PurposeData:
		return "data"
	case PurposeBrk:
		return "brk"
	case PurposeMmapAnon:
		return "mmap-anon"
	case PurposeMmapFile:
		return "mmap-file"
	case PurposeStack:
		return "stack"
	case PurposeEnv:
		return "env"
	case PurposeGDT:
		return "gdt"
	case PurposeIDT:
		return "idt"
	case PurposeTSS:
		return "tss"
	case PurposeISR:
		return "isr"
	case PurposeEntryTrampoline:
		return "entry-trampoline"
	case PurposeKernel:
		return "kernel"
	case PurposePageTables:
		return "page-tables"
	default:
		return "none"
	}
}

// Chunk is a contiguous host-allocated, page-aligned, hypervisor
// registered buffer. Chunks are never moved or resized after creation.
type Chunk struct {
	// ID is the stable arena key for this chunk.
	ID int

	// HostBase is the host-virtual address of the chunk's backing memory.
	HostBase guest.Host

	// GuestBase is the guest-physical address the chunk was registered at.
	GuestBase guest.Phys

	// Size is the chunk's length in bytes; always a page multiple.
	Size uint64

	// Slot is the hypervisor memory-region slot this chunk was registered
	// under (see Pager.AllocChunk).
	Slot int

	// regionIDs lists every region carved from this chunk, kept sorted
	// by HostBase so neighbor lookups for coalescing are simple slice
	// scans rather than a general tree walk.
	regionIDs []int
}

// End returns the address one past the end of the chunk.
func (c *Chunk) End() guest.Host {
	return guest.Host(uint64(c.HostBase) + c.Size)
}

// Region is a subrange of a chunk owned for one purpose. The region
// manager is the sole owner; mappings (see package heap) hold only a
// shared, non-owning reference.
type Region struct {
	// ID is the stable arena key for this region; slicing never
	// invalidates it, only the fields below may shrink or grow it.
	ID int

	// ChunkID is the owning chunk's ID.
	ChunkID int

	// HostBase is the host-virtual start of this region's backing bytes.
	HostBase guest.Host

	// GuestBase is the guest-virtual base once mapped; zero until mapped.
	GuestBase guest.Ptr

	// Size is the region's length in bytes.
	Size uint64

	// Used is false while the region sits on a chunk's free list.
	Used bool

	// Purpose records why the region was allocated, for diagnostics
	// and for the heap's brk/mmap pool bookkeeping.
	Purpose Purpose
}

// End returns the address one past the end of the region's host range.
func (r *Region) End() guest.Host {
	return guest.Host(uint64(r.HostBase) + r.Size)
}

// Contains reports whether the host range [host, host+size) lies
// entirely within the region.
func (r *Region) Contains(host guest.Host, size uint64) bool {
	return host >= r.HostBase && uint64(host)+size <= uint64(r.End())
}

// Bytes returns the region's backing host memory as a byte slice,
// given the chunk's mmap'd backing array.
func (r *Region) Bytes(chunkMmap []byte, chunkHostBase guest.Host) []byte {
	off := uint64(r.HostBase) - uint64(chunkHostBase)
	return chunkMmap[off : off+r.Size]
}
