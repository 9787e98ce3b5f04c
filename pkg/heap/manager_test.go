package heap

import (
	"testing"
	"unsafe"

	"github.com/elkvm/elkvm/pkg/guest"
	"github.com/elkvm/elkvm/pkg/pager"
	"github.com/elkvm/elkvm/pkg/region"
	"github.com/stretchr/testify/require"
)

// fakeChunkAllocator backs region.Manager with plain Go slices instead
// of real mmap'd/KVM-registered memory, mirroring the region package's
// own test fake.
type fakeChunkAllocator struct {
	mmaps    [][]byte
	nextPhys guest.Phys
}

func (f *fakeChunkAllocator) AllocChunk(_ guest.Host, size uint64, slotHint int) (*region.Chunk, error) {
	buf := make([]byte, size)
	f.mmaps = append(f.mmaps, buf)
	c := &region.Chunk{
		HostBase:  guest.Host(uintptr(unsafe.Pointer(&buf[0]))),
		GuestBase: f.nextPhys,
		Size:      size,
		Slot:      len(f.mmaps) - 1,
	}
	f.nextPhys = f.nextPhys.After(size)
	return c, nil
}

func (f *fakeChunkAllocator) ChunkMmap(chunkID int) []byte {
	return f.mmaps[chunkID]
}

// fakeMapper records MapRegion/UnmapRegion calls without touching any
// real page tables; the heap only needs the call/page-count contract.
type fakeMapper struct {
	mapped map[guest.Ptr]bool
	opts   map[guest.Ptr]pager.Opts
}

func newFakeMapper() *fakeMapper {
	return &fakeMapper{mapped: make(map[guest.Ptr]bool), opts: make(map[guest.Ptr]pager.Opts)}
}

func (f *fakeMapper) MapRegion(_ guest.Host, guestBase guest.Ptr, pages uint64, opts pager.Opts) error {
	for i := uint64(0); i < pages; i++ {
		f.mapped[guestBase.After(i*guest.PageSize)] = true
		f.opts[guestBase.After(i*guest.PageSize)] = opts
	}
	return nil
}

func (f *fakeMapper) UnmapRegion(guestBase guest.Ptr, pages uint64) error {
	for i := uint64(0); i < pages; i++ {
		delete(f.mapped, guestBase.After(i*guest.PageSize))
	}
	return nil
}

func newTestManager(t *testing.T) (*Manager, *region.Manager, *fakeMapper) {
	t.Helper()
	alloc := &fakeChunkAllocator{}
	regions := region.New(alloc)
	mapper := newFakeMapper()
	return New(regions, mapper), regions, mapper
}

func TestBrkGrowAndShrink(t *testing.T) {
	h, regions, mapper := newTestManager(t)

	r, err := regions.AllocateRegion(guest.PageSize, region.PurposeData)
	require.NoError(t, err)
	r.GuestBase = guest.Ptr(0x400000)
	require.NoError(t, mapper.MapRegion(r.HostBase, r.GuestBase, 1, pager.Opts{Write: true}))

	curBrk := r.GuestBase.After(0x800)
	h.InitBrk(r, 0x800, curBrk)

	got, err := h.Brk(0)
	require.NoError(t, err)
	require.Equal(t, curBrk, got)

	grown, err := h.Brk(curBrk.After(0x2000))
	require.NoError(t, err)
	require.Equal(t, curBrk.After(0x2000), grown)
	require.True(t, mapper.mapped[r.GuestBase.After(0x1000)])

	shrunk, err := h.Brk(r.GuestBase.After(0x800))
	require.NoError(t, err)
	require.Equal(t, r.GuestBase.After(0x800), shrunk)
	require.False(t, mapper.mapped[r.GuestBase.After(0x1000)])
}

func TestMmapAnonymousAndMunmapMiddle(t *testing.T) {
	h, _, mapper := newTestManager(t)

	g, err := h.Mmap(0, 0x3000, Prot{Write: true}, Flags{Anonymous: true}, -1, 0)
	require.NoError(t, err)

	for i := uint64(0); i < 3; i++ {
		require.True(t, mapper.mapped[g.After(i*guest.PageSize)])
	}

	require.NoError(t, h.Munmap(g.After(guest.PageSize), guest.PageSize))

	require.True(t, mapper.mapped[g])
	require.False(t, mapper.mapped[g.After(guest.PageSize)])
	require.True(t, mapper.mapped[g.After(2*guest.PageSize)])
}

func TestMmapFixedOverlapChangesProtection(t *testing.T) {
	h, regions, mapper := newTestManager(t)

	g, err := h.Mmap(0, 0x3000, Prot{Write: true}, Flags{Anonymous: true}, -1, 0)
	require.NoError(t, err)

	fixedAt := g.After(guest.PageSize)
	got, err := h.Mmap(fixedAt, guest.PageSize, Prot{Exec: true}, Flags{Anonymous: true, Fixed: true}, -1, 0)
	require.NoError(t, err)
	require.Equal(t, fixedAt, got)

	require.True(t, mapper.mapped[g])
	require.True(t, mapper.mapped[fixedAt])
	require.True(t, mapper.mapped[g.After(2*guest.PageSize)])
	require.True(t, mapper.opts[fixedAt].Exec)
	require.False(t, mapper.opts[fixedAt].Write)
	require.True(t, mapper.opts[g].Write)
	require.True(t, mapper.opts[g.After(2*guest.PageSize)].Write)
	_ = regions
}

func TestMremapGrowsInPlaceWhenRoomExists(t *testing.T) {
	h, regions, _ := newTestManager(t)

	// Seed a region that is intentionally larger than the first mmap
	// so grow-in-place has somewhere to go.
	r, err := regions.AllocateRegion(3*guest.PageSize, region.PurposeMmapAnon)
	require.NoError(t, err)
	r.GuestBase = MmapBase
	require.NoError(t, h.pager.MapRegion(r.HostBase, r.GuestBase, 1, pager.Opts{Write: true}))
	h.mmapMappings[h.nextMappingID] = &Mapping{ID: h.nextMappingID, RegionID: r.ID, GuestBase: r.GuestBase, Length: guest.PageSize, Prot: Prot{Write: true}, Flags: Flags{Anonymous: true}}
	h.nextMappingID++
	h.mmapNext = MmapBase.After(3 * guest.PageSize)

	got, err := h.Mremap(MmapBase, 3*guest.PageSize, false)
	require.NoError(t, err)
	require.Equal(t, MmapBase, got)
}
