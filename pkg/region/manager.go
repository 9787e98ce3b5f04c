package region

import (
	"github.com/elkvm/elkvm/pkg/guest"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("pkg", "region")

// ChunkAllocator is the subset of the Pager the region manager needs:
// the ability to register new host-backed guest-physical chunks and to
// return a chunk's backing bytes. The region manager does no page
// mapping itself; callers map regions through the Pager directly.
type ChunkAllocator interface {
	AllocChunk(hostBase guest.Host, size uint64, slotHint int) (*Chunk, error)
	ChunkMmap(chunkID int) []byte
}

// Manager owns every guest-visible memory region. Heap mappings refer
// to their region by the stable Region.ID; the ELF loader, stack
// builder and other callers hold the *Region that AllocateRegion
// returned.
type Manager struct {
	alloc ChunkAllocator

	chunks  map[int]*Chunk
	regions map[int]*Region

	nextChunkID  int
	nextRegionID int
}

// New returns a RegionManager backed by the given chunk allocator
// (almost always a *pager.Pager).
func New(alloc ChunkAllocator) *Manager {
	return &Manager{
		alloc:   alloc,
		chunks:  make(map[int]*Chunk),
		regions: make(map[int]*Region),
	}
}

// adoptChunk registers a chunk returned by the allocator and seeds its
// free list with a single region covering the whole thing.
func (m *Manager) adoptChunk(c *Chunk) *Region {
	c.ID = m.nextChunkID
	m.nextChunkID++
	m.chunks[c.ID] = c

	free := &Region{
		ID:       m.nextRegionID,
		ChunkID:  c.ID,
		HostBase: c.HostBase,
		Size:     c.Size,
		Used:     false,
	}
	m.nextRegionID++
	m.regions[free.ID] = free
	c.regionIDs = append(c.regionIDs, free.ID)

	log.WithFields(logrus.Fields{
		"chunk": c.ID, "size": c.Size, "guest_base": c.GuestBase,
	}).Debug("region: adopted new chunk")
	return free
}

// AllocateRegion returns a used region of at least size bytes, tagged
// with purpose. If no free region fits, a fresh chunk is requested
// from the allocator and seeded as a single free region first.
func (m *Manager) AllocateRegion(size uint64, purpose Purpose) (*Region, error) {
	if size == 0 || size%guest.PageSize != 0 {
		return nil, ErrUnaligned
	}

	r := m.findFreeFit(size)
	if r == nil {
		c, err := m.alloc.AllocChunk(0, guest.RoundUpPage(size), -1)
		if err != nil {
			return nil, errors.Wrap(err, "region: allocating new chunk")
		}
		r = m.adoptChunk(c)
	}

	// Split off the tail if there's at least a page of leftover.
	if r.Size > size && r.Size-size >= guest.PageSize {
		tail := &Region{
			ID:       m.nextRegionID,
			ChunkID:  r.ChunkID,
			HostBase: guest.Host(uint64(r.HostBase) + size),
			Size:     r.Size - size,
			Used:     false,
		}
		m.nextRegionID++
		m.regions[tail.ID] = tail
		m.insertSorted(tail)
		r.Size = size
	}

	r.Used = true
	r.Purpose = purpose
	return r, nil
}

// findFreeFit returns the first free region of at least size bytes,
// or nil if none exists.
func (m *Manager) findFreeFit(size uint64) *Region {
	for _, c := range m.chunks {
		for _, id := range c.regionIDs {
			r := m.regions[id]
			if !r.Used && r.Size >= size {
				return r
			}
		}
	}
	return nil
}

// insertSorted inserts a region's ID into its chunk's region list,
// kept sorted by HostBase so coalescing can check immediate neighbors.
func (m *Manager) insertSorted(r *Region) {
	c := m.chunks[r.ChunkID]
	ids := c.regionIDs
	i := 0
	for i < len(ids) && m.regions[ids[i]].HostBase < r.HostBase {
		i++
	}
	ids = append(ids, 0)
	copy(ids[i+1:], ids[i:])
	ids[i] = r.ID
	c.regionIDs = ids
}

// FreeRegion marks a used region as free and coalesces it with any
// host-adjacent free neighbor in the same chunk.
func (m *Manager) FreeRegion(r *Region) error {
	if !r.Used {
		return ErrNotUsed
	}
	r.Used = false
	r.Purpose = PurposeNone
	r.GuestBase = 0

	c, ok := m.chunks[r.ChunkID]
	if !ok {
		return ErrNotFound
	}

	// Find r's position and merge with left/right free neighbors.
	idx := -1
	for i, id := range c.regionIDs {
		if id == r.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotFound
	}

	if idx+1 < len(c.regionIDs) {
		right := m.regions[c.regionIDs[idx+1]]
		if !right.Used && right.HostBase == r.End() {
			r.Size += right.Size
			delete(m.regions, right.ID)
			c.regionIDs = append(c.regionIDs[:idx+1], c.regionIDs[idx+2:]...)
		}
	}
	if idx > 0 {
		left := m.regions[c.regionIDs[idx-1]]
		if !left.Used && left.End() == r.HostBase {
			left.Size += r.Size
			delete(m.regions, r.ID)
			c.regionIDs = append(c.regionIDs[:idx], c.regionIDs[idx+1:]...)
		}
	}
	return nil
}

// SliceCenter splits a used region into at most three pieces: a used
// head (the unchanged prefix before off), a used middle of length len
// starting at off (returned), and a used tail covering what remains,
// which the caller almost always immediately frees. Either head or
// tail may be absent if off==0 or off+len==r.Size.
func (m *Manager) SliceCenter(r *Region, off, length uint64) (middle, tail *Region, err error) {
	if !r.Used {
		return nil, nil, ErrNotUsed
	}
	if off%guest.PageSize != 0 || length%guest.PageSize != 0 {
		return nil, nil, ErrUnaligned
	}
	if off+length > r.Size {
		return nil, nil, ErrBadSlice
	}

	origSize := r.Size
	origPurpose := r.Purpose

	if off > 0 {
		// r becomes the head; shrink it in place.
		r.Size = off
		middle = &Region{
			ID:       m.nextRegionID,
			ChunkID:  r.ChunkID,
			HostBase: guest.Host(uint64(r.HostBase) + off),
			Size:     length,
			Used:     true,
			Purpose:  origPurpose,
		}
		m.nextRegionID++
		m.regions[middle.ID] = middle
		m.insertSorted(middle)
	} else {
		// r itself is the middle; just resize it.
		r.Size = length
		middle = r
	}

	tailOff := off + length
	if tailOff < origSize {
		tail = &Region{
			ID:       m.nextRegionID,
			ChunkID:  r.ChunkID,
			HostBase: guest.Host(uint64(middle.HostBase) + length),
			Size:     origSize - tailOff,
			Used:     true,
			Purpose:  origPurpose,
		}
		m.nextRegionID++
		m.regions[tail.ID] = tail
		m.insertSorted(tail)
	}

	return middle, tail, nil
}

// FindRegion locates the used region containing a host address, or
// ErrNotFound. A freshly allocated region is immediately findable.
func (m *Manager) FindRegion(host guest.Host) (*Region, error) {
	for _, c := range m.chunks {
		for _, id := range c.regionIDs {
			r := m.regions[id]
			if r.Used && host >= r.HostBase && host < r.End() {
				return r, nil
			}
		}
	}
	return nil, ErrNotFound
}

// RegionByID returns a region by its stable ID.
func (m *Manager) RegionByID(id int) (*Region, bool) {
	r, ok := m.regions[id]
	return r, ok
}

// Chunk returns a chunk by ID.
func (m *Manager) Chunk(id int) (*Chunk, bool) {
	c, ok := m.chunks[id]
	return c, ok
}

// ChunkMmap returns the backing bytes for a chunk, delegating to the
// allocator which owns the actual mmap'd memory.
func (m *Manager) ChunkMmap(chunkID int) []byte {
	return m.alloc.ChunkMmap(chunkID)
}
