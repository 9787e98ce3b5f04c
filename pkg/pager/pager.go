// Package pager maintains the guest's x86-64 long-mode paging
// structures: it allocates host-backed guest-physical chunks, installs
// them with the hypervisor, and builds/walks the 4-level page tables
// that live inside guest memory so that guest-virtual, guest-physical,
// and host-virtual addresses stay consistent.
package pager

import (
	"unsafe"

	"github.com/elkvm/elkvm/pkg/guest"
	"github.com/elkvm/elkvm/pkg/region"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("pkg", "pager")

// Mode selects the guest's addressing mode. The monitor only ever
// builds long-mode (64-bit) tables; Initialize fails for anything
// else.
type Mode int

const (
	ModeLongMode Mode = iota
)

// Opts controls the permissions of a single page mapping.
type Opts struct {
	Write bool
	Exec  bool
}

// KernelStart is the guest-virtual base of the canonical upper half,
// where kernel-only mappings (GDT, IDT, TSS, ISR stub, entry
// trampoline, kernel stacks) live.
const KernelStart = guest.Ptr(0xffff800000000000)

// SystemMemSize is the size of the single system chunk Initialize
// allocates at guest-physical offset 0. It must be large enough to
// hold every page table the guest will ever need; 64MiB comfortably
// covers the process images this monitor targets.
const SystemMemSize = 64 << 20

// pageTableRegionSize reserves a fixed slice of the system chunk for
// directory pages (PML4/PDPT/PD/PT), carved with a simple bump/free
// allocator rather than going through the RegionManager -- the
// RegionManager doesn't exist yet when Initialize runs.
const pageTableRegionSize = 2 << 20

// MemoryRegistrar is the subset of kvm.Vm the pager needs: the
// ability to install a guest-physical memory region backed by host
// memory. Kept as a narrow interface so the pager can be exercised
// without a real /dev/kvm.
type MemoryRegistrar interface {
	SetUserMemoryRegion(guestPhys uint64, hostAddr uintptr, size uint64) error
}

// chunkRecord is the pager's bookkeeping for one chunk: the host mmap
// backing it plus the guest-physical base it was registered at.
type chunkRecord struct {
	mmap      []byte
	guestBase guest.Phys
	slot      int
}

// Pager owns guest-physical memory chunks and the page tables built
// inside them. It never refers upward to the RegionManager or VM; the
// RegionManager is built on top of it.
type Pager struct {
	vm MemoryRegistrar

	chunks       []*chunkRecord
	nextGuestPhys guest.Phys
	nextSlot      int

	// externalChunks holds only the chunks handed out through
	// AllocChunk, indexed in the order they were allocated. The region
	// manager assigns chunk IDs in that same order (adoptChunk bumps
	// nextChunkID once per AllocChunk call), so externalChunks[id] is
	// always the chunk region.Manager means by that ID. chunks above
	// also holds the system/page-table chunk from Initialize, which the
	// region manager never adopts and has no ID for; indexing chunks
	// directly by region-manager ID would be off by one.
	externalChunks []*chunkRecord

	// Page-table bump allocator: directory pages are carved from the
	// head of the system chunk, in the reserved page-table region.
	ptBuf     []byte
	ptBase    guest.Host
	ptGuest   guest.Phys
	ptBumpOff uint64
	ptFree    []uint64 // freed directory-page offsets, reused before bumping further

	pml4Off  uint64
	pml4Host guest.Host
	PML4Phys guest.Phys // CR3 value once Initialize succeeds

	kernelNext guest.Ptr
}

// New returns a Pager that will install chunks through vm.
func New(vm MemoryRegistrar) *Pager {
	return &Pager{vm: vm, kernelNext: KernelStart}
}

// Initialize allocates the system chunk, carves the page-table region
// out of it, and installs a zeroed PML4 as the paging root.
func (p *Pager) Initialize(mode Mode) error {
	if mode != ModeLongMode {
		return ErrNotLongMode
	}

	chunk, err := p.allocChunkAt(0, SystemMemSize, 0)
	if err != nil {
		return err
	}

	p.ptBuf = chunk.mmap[:pageTableRegionSize]
	p.ptBase = guest.Host(uintptr(unsafe.Pointer(&chunk.mmap[0])))
	p.ptGuest = chunk.guestBase

	pml4Off, err := p.allocDirPage()
	if err != nil {
		return err
	}
	p.pml4Off = pml4Off
	p.pml4Host = guest.Host(uintptr(unsafe.Pointer(&p.ptBuf[pml4Off])))
	p.PML4Phys = p.ptGuest.After(pml4Off)

	log.WithField("pml4_phys", p.PML4Phys).Info("pager: initialized long-mode paging root")
	return nil
}

// allocDirPage returns the byte offset (within ptBuf) of a freshly
// zeroed directory page, reusing a freed one if available.
func (p *Pager) allocDirPage() (uint64, error) {
	if n := len(p.ptFree); n > 0 {
		off := p.ptFree[n-1]
		p.ptFree = p.ptFree[:n-1]
		zero(p.ptBuf[off : off+guest.PageSize])
		return off, nil
	}
	if p.ptBumpOff+guest.PageSize > uint64(len(p.ptBuf)) {
		return 0, ErrNoMemory
	}
	off := p.ptBumpOff
	p.ptBumpOff += guest.PageSize
	zero(p.ptBuf[off : off+guest.PageSize])
	return off, nil
}

func (p *Pager) freeDirPage(off uint64) {
	p.ptFree = append(p.ptFree, off)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func (p *Pager) dirTableAt(off uint64) table {
	return asTable(p.ptBuf[off : off+guest.PageSize])
}

// asTable reinterprets a 4096-byte page as 512 page table entries.
func asTable(buf []byte) table {
	return unsafe.Slice((*pte)(unsafe.Pointer(&buf[0])), entriesPerTable)
}

// AllocChunk registers a new host-backed, hypervisor-visible chunk of
// guest-physical memory and returns it wrapped as a *region.Chunk so
// the RegionManager can carve regions out of it. This satisfies
// region.ChunkAllocator.
func (p *Pager) AllocChunk(hostBase guest.Host, length uint64, slotHint int) (*region.Chunk, error) {
	rec, err := p.allocChunkAt(0, length, slotHint)
	if err != nil {
		return nil, err
	}
	p.externalChunks = append(p.externalChunks, rec)
	return &region.Chunk{
		HostBase:  guest.Host(uintptr(unsafe.Pointer(&rec.mmap[0]))),
		GuestBase: rec.guestBase,
		Size:      uint64(len(rec.mmap)),
		Slot:      rec.slot,
	}, nil
}

// ChunkMmap returns the backing bytes for the chunk region.Manager
// knows by chunkID. chunkID indexes externalChunks, not the full
// chunks list: the system chunk Initialize allocates directly never
// goes through AllocChunk, so it never gets a region-manager ID, and
// indexing chunks by chunkID would read the wrong chunk's memory.
func (p *Pager) ChunkMmap(chunkID int) []byte {
	if chunkID < 0 || chunkID >= len(p.externalChunks) {
		return nil
	}
	return p.externalChunks[chunkID].mmap
}

func (p *Pager) allocChunkAt(guestPhysHint guest.Phys, length uint64, slotHint int) (*chunkRecord, error) {
	length = guest.RoundUpPage(length)

	mem, err := mmapAnon(length)
	if err != nil {
		return nil, err
	}

	guestBase := p.nextGuestPhys
	if guestPhysHint != 0 {
		guestBase = guestPhysHint
	}

	slot := p.nextSlot
	if slotHint >= 0 {
		slot = slotHint
	}
	p.nextSlot++

	if err := p.vm.SetUserMemoryRegion(uint64(guestBase), uintptr(unsafe.Pointer(&mem[0])), length); err != nil {
		return nil, err
	}

	rec := &chunkRecord{mmap: mem, guestBase: guestBase, slot: slot}
	p.chunks = append(p.chunks, rec)
	p.nextGuestPhys = guestBase.After(length)

	log.WithFields(logrus.Fields{
		"guest_base": guestBase, "size": length, "slot": slot,
	}).Info("pager: chunk registered")
	return rec, nil
}

// hostToPhys translates a host-virtual address within some chunk's
// mmap into its guest-physical address.
func (p *Pager) hostToPhys(h guest.Host) (guest.Phys, error) {
	for _, c := range p.chunks {
		base := guest.Host(uintptr(unsafe.Pointer(&c.mmap[0])))
		end := base + guest.Host(len(c.mmap))
		if h >= base && h < end {
			return c.guestBase.After(uint64(h - base)), nil
		}
	}
	return 0, ErrNotMapped
}

// physToHost translates a guest-physical address back into the
// host-virtual address of the byte it names.
func (p *Pager) physToHost(ph guest.Phys) (guest.Host, error) {
	for _, c := range p.chunks {
		if ph >= c.guestBase && uint64(ph) < uint64(c.guestBase)+uint64(len(c.mmap)) {
			base := guest.Host(uintptr(unsafe.Pointer(&c.mmap[0])))
			return base + guest.Host(ph.OffsetFrom(c.guestBase)), nil
		}
	}
	return 0, ErrNotMapped
}
