package heap

import "github.com/elkvm/elkvm/pkg/guest"

// Prot mirrors the protection bits a guest mmap/mprotect names. Pages
// are always readable once mapped; there is no separate "no access"
// state (matching the pager's own present-or-absent model).
type Prot struct {
	Write bool
	Exec  bool
}

// Flags mirrors the subset of mmap's flag bits the monitor interprets
// itself; everything else (MAP_POPULATE, MAP_NORESERVE, ...) is a
// host-handler concern and never reaches the heap.
type Flags struct {
	Anonymous bool
	Fixed     bool
}

// Mapping is a guest-visible mmap-shaped view onto a region (spec
// §3's Mapping entity). The region is a shared, non-owning reference:
// the RegionManager alone decides when it is freed.
type Mapping struct {
	ID        int
	RegionID  int
	GuestBase guest.Ptr
	Length    uint64 // currently PTE-mapped bytes; always a page multiple
	Prot      Prot
	Flags     Flags
	FD        int32
	Offset    uint64
}

// End returns the guest-virtual address one past the mapping.
func (m *Mapping) End() guest.Ptr {
	return m.GuestBase.After(m.Length)
}

// Stat is a point-in-time snapshot of heap residency, exposed for an
// external debug shell to query.
type Stat struct {
	BrkBytes  uint64
	MmapBytes uint64
	CurBrk    guest.Ptr
}
