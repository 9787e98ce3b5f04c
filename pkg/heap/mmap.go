package heap

import (
	"github.com/elkvm/elkvm/pkg/guest"
	"github.com/elkvm/elkvm/pkg/pager"
	"github.com/elkvm/elkvm/pkg/region"
)

// Mmap implements mmap(2) over the region/pager layer. addr is
// advisory unless flags.Fixed; length is rounded up to a page.
func (m *Manager) Mmap(addr guest.Ptr, length uint64, prot Prot, flags Flags, fd int32, off uint64) (guest.Ptr, error) {
	length = guest.RoundUpPage(length)

	if flags.Fixed && addr != 0 {
		return m.mmapFixed(addr, length, prot, flags, fd, off)
	}

	mp, err := m.createMmap(m.mmapNext, length, prot, flags, fd, off)
	if err != nil {
		return 0, err
	}
	m.mmapNext = m.mmapNext.After(length)
	return mp.GuestBase, nil
}

func (m *Manager) mmapFixed(addr guest.Ptr, length uint64, prot Prot, flags Flags, fd int32, off uint64) (guest.Ptr, error) {
	if exact, ok := m.findExactMmap(addr, length); ok {
		exact.Prot, exact.Flags, exact.FD, exact.Offset = prot, flags, fd, off
		r, ok := m.regions.RegionByID(exact.RegionID)
		if !ok {
			return 0, region.ErrNotFound
		}
		if err := m.pager.MapRegion(r.HostBase, addr, length/guest.PageSize, pager.Opts{Write: prot.Write, Exec: prot.Exec}); err != nil {
			return 0, err
		}
		return addr, nil
	}

	if mp, ok := m.findMmapContaining(addr); ok && uint64(addr.After(length)) <= uint64(mp.End()) {
		hostOff := addr.OffsetFrom(mp.GuestBase)
		middle, tailMp, headGone, err := m.carveMiddle(mp, hostOff, length)
		if err != nil {
			return 0, err
		}
		newMp := &Mapping{
			ID: m.nextMappingID, RegionID: middle.ID, GuestBase: addr,
			Length: length, Prot: prot, Flags: flags, FD: fd, Offset: off,
		}
		m.nextMappingID++
		if err := m.pager.MapRegion(middle.HostBase, addr, length/guest.PageSize, pager.Opts{Write: prot.Write, Exec: prot.Exec}); err != nil {
			return 0, err
		}
		if headGone {
			delete(m.mmapMappings, mp.ID)
		}
		m.mmapMappings[newMp.ID] = newMp
		if tailMp != nil {
			m.mmapMappings[tailMp.ID] = tailMp
		}
		return addr, nil
	}

	for _, other := range m.mmapMappings {
		if uint64(other.GuestBase) < uint64(addr.After(length)) && uint64(addr) < uint64(other.End()) {
			return 0, ErrFixedOverlap
		}
	}

	newMp, err := m.createMmap(addr, length, prot, flags, fd, off)
	if err != nil {
		return 0, err
	}
	return newMp.GuestBase, nil
}

// createMmap allocates a fresh region, maps it at addr, fills it (via
// the FileFiller for file-backed requests), and records a new Mapping.
func (m *Manager) createMmap(addr guest.Ptr, length uint64, prot Prot, flags Flags, fd int32, off uint64) (*Mapping, error) {
	purpose := region.PurposeMmapAnon
	if !flags.Anonymous {
		purpose = region.PurposeMmapFile
	}

	r, err := m.regions.AllocateRegion(length, purpose)
	if err != nil {
		return nil, err
	}
	r.GuestBase = addr

	if err := m.pager.MapRegion(r.HostBase, addr, length/guest.PageSize, pager.Opts{Write: prot.Write, Exec: prot.Exec}); err != nil {
		return nil, err
	}

	if !flags.Anonymous {
		if m.filler == nil {
			return nil, ErrNoFiller
		}
		chunk, ok := m.regions.Chunk(r.ChunkID)
		if !ok {
			return nil, region.ErrNotFound
		}
		dst := r.Bytes(m.regions.ChunkMmap(r.ChunkID), chunk.HostBase)
		if err := m.filler.Fill(dst, fd, off); err != nil {
			return nil, err
		}
	}

	mp := &Mapping{ID: m.nextMappingID, RegionID: r.ID, GuestBase: addr, Length: length, Prot: prot, Flags: flags, FD: fd, Offset: off}
	m.nextMappingID++
	m.mmapMappings[mp.ID] = mp
	return mp, nil
}

// Munmap implements munmap(2): the unmapped range may fall in the
// middle of a mapping, splitting it into a kept head and a kept tail
// around the freed hole (spec scenario 3).
func (m *Manager) Munmap(addr guest.Ptr, length uint64) error {
	length = guest.RoundUpPage(length)

	mp, ok := m.findMmapContaining(addr)
	if !ok {
		return ErrNotFound
	}
	hostOff := addr.OffsetFrom(mp.GuestBase)

	middle, tailMp, headGone, err := m.carveMiddle(mp, hostOff, length)
	if err != nil {
		return err
	}
	if err := m.pager.UnmapRegion(addr, length/guest.PageSize); err != nil {
		return err
	}
	if err := m.regions.FreeRegion(middle); err != nil {
		return err
	}

	if headGone {
		delete(m.mmapMappings, mp.ID)
	}
	if tailMp != nil {
		m.mmapMappings[tailMp.ID] = tailMp
	}
	return nil
}

// Mremap implements mremap(2): shrink in place, grow in place if the
// underlying region has room, else relocate and copy.
// MREMAP_FIXED (fixed=true) is not supported.
func (m *Manager) Mremap(addr guest.Ptr, newSize uint64, fixed bool) (guest.Ptr, error) {
	if fixed {
		return 0, ErrMremapFixed
	}
	newSize = guest.RoundUpPage(newSize)

	mp, ok := m.mmapMappings[m.idOfMapping(addr)]
	if !ok {
		return 0, ErrNotFound
	}

	switch {
	case newSize < mp.Length:
		shrinkBy := mp.Length - newSize
		if err := m.pager.UnmapRegion(mp.GuestBase.After(newSize), shrinkBy/guest.PageSize); err != nil {
			return 0, err
		}
		r, ok := m.regions.RegionByID(mp.RegionID)
		if !ok {
			return 0, region.ErrNotFound
		}
		_, tail, err := m.regions.SliceCenter(r, 0, newSize)
		if err != nil {
			return 0, err
		}
		if tail != nil {
			if err := m.regions.FreeRegion(tail); err != nil {
				return 0, err
			}
		}
		mp.Length = newSize
		return addr, nil

	case newSize > mp.Length:
		r, ok := m.regions.RegionByID(mp.RegionID)
		if !ok {
			return 0, region.ErrNotFound
		}
		if room := r.Size - mp.Length; newSize-mp.Length <= room {
			if err := m.mapExtra(mp, r, mp.Length, newSize-mp.Length); err != nil {
				return 0, err
			}
			return addr, nil
		}
		return m.relocateMmap(mp, r, newSize)

	default:
		return addr, nil
	}
}

// relocateMmap allocates a new mapping of newSize, copies mp's bytes
// into it, and destroys the old mapping.
func (m *Manager) relocateMmap(mp *Mapping, oldR *region.Region, newSize uint64) (guest.Ptr, error) {
	oldChunk, ok := m.regions.Chunk(oldR.ChunkID)
	if !ok {
		return 0, region.ErrNotFound
	}
	oldBytes := oldR.Bytes(m.regions.ChunkMmap(oldR.ChunkID), oldChunk.HostBase)

	dest := m.mmapNext
	newMp, err := m.createMmap(dest, newSize, mp.Prot, mp.Flags, mp.FD, mp.Offset)
	if err != nil {
		return 0, err
	}
	m.mmapNext = m.mmapNext.After(newSize)

	newR, ok := m.regions.RegionByID(newMp.RegionID)
	if !ok {
		return 0, region.ErrNotFound
	}
	newChunk, ok := m.regions.Chunk(newR.ChunkID)
	if !ok {
		return 0, region.ErrNotFound
	}
	newBytes := newR.Bytes(m.regions.ChunkMmap(newR.ChunkID), newChunk.HostBase)
	n := len(oldBytes)
	if len(newBytes) < n {
		n = len(newBytes)
	}
	copy(newBytes[:n], oldBytes[:n])

	if err := m.destroyMapping(mp, true); err != nil {
		return 0, err
	}
	delete(m.mmapMappings, mp.ID)
	return newMp.GuestBase, nil
}

func (m *Manager) idOfMapping(addr guest.Ptr) int {
	for id, mp := range m.mmapMappings {
		if mp.GuestBase == addr {
			return id
		}
	}
	return -1
}

func (m *Manager) findExactMmap(addr guest.Ptr, length uint64) (*Mapping, bool) {
	for _, mp := range m.mmapMappings {
		if mp.GuestBase == addr && mp.Length == length {
			return mp, true
		}
	}
	return nil, false
}

func (m *Manager) findMmapContaining(addr guest.Ptr) (*Mapping, bool) {
	for _, mp := range m.mmapMappings {
		if uint64(addr) >= uint64(mp.GuestBase) && uint64(addr) < uint64(mp.End()) {
			return mp, true
		}
	}
	return nil, false
}

// carveMiddle slices mp's region into a head (mp itself, mutated in
// place to cover [0, hostOff)), a middle region of length bytes
// starting at hostOff (returned so the caller decides whether to free
// it, as Munmap does, or keep it under a new Mapping, as a fixed
// mmap overlap does), and an optional tail mapping covering whatever
// remains. headGone reports whether mp no longer names any bytes
// (hostOff==0, so the whole mapping became the middle).
func (m *Manager) carveMiddle(mp *Mapping, hostOff, length uint64) (middle *region.Region, tailMp *Mapping, headGone bool, err error) {
	r, ok := m.regions.RegionByID(mp.RegionID)
	if !ok {
		return nil, nil, false, region.ErrNotFound
	}

	middle, tail, err := m.regions.SliceCenter(r, hostOff, length)
	if err != nil {
		return nil, nil, false, err
	}

	if hostOff == 0 {
		headGone = true
	} else {
		mp.Length = hostOff
	}

	if tail != nil {
		tailMp = &Mapping{
			ID:        m.nextMappingID,
			RegionID:  tail.ID,
			GuestBase: mp.GuestBase.After(hostOff + length),
			Length:    tail.Size,
			Prot:      mp.Prot,
			Flags:     mp.Flags,
			FD:        mp.FD,
			Offset:    mp.Offset + hostOff + length,
		}
		m.nextMappingID++
	}
	return middle, tailMp, headGone, nil
}
