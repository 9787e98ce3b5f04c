package pager

import (
	"testing"
	"unsafe"

	"github.com/elkvm/elkvm/pkg/guest"
	"github.com/elkvm/elkvm/pkg/region"
	"github.com/stretchr/testify/require"
)

// uintptrOf returns the address of a byte slice's backing storage,
// for tests that need to hand the pager a host pointer without a real
// mmap'd chunk.
func uintptrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

// fakeVM records every SetUserMemoryRegion call instead of touching a
// real /dev/kvm, so the pager's chunk/page-table bookkeeping can be
// exercised in isolation.
type fakeVM struct {
	calls []fakeRegion
}

type fakeRegion struct {
	guestPhys uint64
	hostAddr  uintptr
	size      uint64
}

func (f *fakeVM) SetUserMemoryRegion(guestPhys uint64, hostAddr uintptr, size uint64) error {
	f.calls = append(f.calls, fakeRegion{guestPhys, hostAddr, size})
	return nil
}

func TestInitializeBuildsPML4(t *testing.T) {
	vm := &fakeVM{}
	p := New(vm)

	require.ErrorIs(t, p.Initialize(Mode(99)), ErrNotLongMode)
	require.NoError(t, p.Initialize(ModeLongMode))

	require.Len(t, vm.calls, 1)
	require.Equal(t, uint64(SystemMemSize), vm.calls[0].size)
	// The system chunk is registered at guest-physical 0 and the PML4
	// is the first page of its page-table area.
	require.Equal(t, guest.Phys(0), p.PML4Phys)
}

func TestMapAndGetHostPointerRoundTrip(t *testing.T) {
	vm := &fakeVM{}
	p := New(vm)
	require.NoError(t, p.Initialize(ModeLongMode))

	// Grab a page of host memory from inside the already-registered
	// system chunk to map, rather than allocating a second chunk.
	backing := p.chunks[0].mmap[pageTableRegionSize : pageTableRegionSize+guest.PageSize]
	hostPtr := guest.Host(uintptrOf(backing))

	const v = guest.Ptr(0x0000400000)
	require.NoError(t, p.MapUserPage(hostPtr, v, Opts{Write: true}))

	got, err := p.GetHostPointer(v)
	require.NoError(t, err)
	require.Equal(t, hostPtr, got)
}

func TestMapRegionAndUnmap(t *testing.T) {
	vm := &fakeVM{}
	p := New(vm)
	require.NoError(t, p.Initialize(ModeLongMode))

	backing := p.chunks[0].mmap[pageTableRegionSize:]
	hostBase := guest.Host(uintptrOf(backing))
	const guestBase = guest.Ptr(0x0000600000)

	require.NoError(t, p.MapRegion(hostBase, guestBase, 4, Opts{Write: true, Exec: false}))
	for i := uint64(0); i < 4; i++ {
		_, err := p.GetHostPointer(guestBase.After(i * guest.PageSize))
		require.NoError(t, err)
	}

	require.NoError(t, p.UnmapRegion(guestBase, 4))
	for i := uint64(0); i < 4; i++ {
		_, err := p.GetHostPointer(guestBase.After(i * guest.PageSize))
		require.ErrorIs(t, err, ErrNotMapped)
	}
}

func TestUnmapRegionReclaimsEmptyDirectoryPages(t *testing.T) {
	vm := &fakeVM{}
	p := New(vm)
	require.NoError(t, p.Initialize(ModeLongMode))

	backing := p.chunks[0].mmap[pageTableRegionSize:]
	hostBase := guest.Host(uintptrOf(backing))
	const guestBase = guest.Ptr(0x0000700000)

	require.NoError(t, p.MapUserPage(hostBase, guestBase, Opts{Write: true}))
	bumpAfterMap := p.ptBumpOff
	require.Empty(t, p.ptFree)

	require.NoError(t, p.UnmapRegion(guestBase, 1))
	require.Equal(t, bumpAfterMap, p.ptBumpOff, "unmap must never allocate a directory page")
	require.Len(t, p.ptFree, 3, "the leaf's PT, PD, and PDPT all emptied out and should be freed")

	// A mapping that needs a fresh PDPT/PD/PT chain (a guest address
	// under a different PML4 slot) must reuse the freed directory
	// pages rather than bump the allocator further.
	const otherBase = guest.Ptr(0x0000700000 + (1 << 39))
	require.NoError(t, p.MapUserPage(hostBase, otherBase, Opts{Write: true}))
	require.Equal(t, bumpAfterMap, p.ptBumpOff, "reused directory pages must not grow the bump allocator")
	require.Empty(t, p.ptFree)
}

func TestMapKernelPageBumpsUpperHalf(t *testing.T) {
	vm := &fakeVM{}
	p := New(vm)
	require.NoError(t, p.Initialize(ModeLongMode))

	backing := p.chunks[0].mmap[pageTableRegionSize : pageTableRegionSize+2*guest.PageSize]

	v1, err := p.MapKernelPage(guest.Host(uintptrOf(backing[:guest.PageSize])), Opts{Write: true})
	require.NoError(t, err)
	v2, err := p.MapKernelPage(guest.Host(uintptrOf(backing[guest.PageSize:])), Opts{Write: true})
	require.NoError(t, err)

	require.Equal(t, KernelStart, v1)
	require.Equal(t, KernelStart.After(guest.PageSize), v2)
}

func TestAllocChunkSatisfiesChunkAllocator(t *testing.T) {
	vm := &fakeVM{}
	p := New(vm)
	require.NoError(t, p.Initialize(ModeLongMode))

	c, err := p.AllocChunk(0, guest.PageSize*3, -1)
	require.NoError(t, err)
	require.Equal(t, uint64(guest.PageSize*3), c.Size)
	require.Equal(t, SystemMemSize, int(uint64(c.GuestBase)))

	// ChunkMmap is indexed by region.Manager's chunk IDs, which start
	// at 0 for the first chunk AllocChunk hands out -- the system chunk
	// Initialize allocates directly never gets one.
	mm := p.ChunkMmap(0)
	require.Len(t, mm, guest.PageSize*3)

	require.Nil(t, p.ChunkMmap(1))
}

// TestChunkMmapAlignsWithRegionManagerIDsAcrossMultipleChunks guards
// against the system chunk Initialize allocates directly shifting
// ChunkMmap's indexing relative to region.Manager's own chunk IDs: a
// Region's Bytes() always has to land on the same bytes the page
// tables actually map, for every chunk the region manager adopts, not
// just the first.
func TestChunkMmapAlignsWithRegionManagerIDsAcrossMultipleChunks(t *testing.T) {
	p := New(&fakeVM{})
	require.NoError(t, p.Initialize(ModeLongMode))

	regions := region.New(p)

	r1, err := regions.AllocateRegion(guest.PageSize, region.PurposeData)
	require.NoError(t, err)
	r2, err := regions.AllocateRegion(guest.PageSize, region.PurposeData)
	require.NoError(t, err)
	require.NotEqual(t, r1.ChunkID, r2.ChunkID, "each AllocateRegion call above should have forced a fresh chunk")

	writeAt := func(r *region.Region, val byte) {
		chunk, ok := regions.Chunk(r.ChunkID)
		require.True(t, ok)
		buf := r.Bytes(regions.ChunkMmap(r.ChunkID), chunk.HostBase)
		for i := range buf {
			buf[i] = val
		}
	}
	readHostDirect := func(r *region.Region) byte {
		return *(*byte)(unsafe.Pointer(uintptr(r.HostBase)))
	}

	writeAt(r1, 0xAA)
	writeAt(r2, 0xBB)

	// Bytes() must have written through to each region's own host
	// memory, not into whatever chunk a positional off-by-one happened
	// to select.
	require.Equal(t, byte(0xAA), readHostDirect(r1))
	require.Equal(t, byte(0xBB), readHostDirect(r2))
}
