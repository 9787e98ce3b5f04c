// Package heap models the guest process's brk segment and mmap arena
// on top of the pager and region manager: POSIX-shaped brk/mmap/
// munmap/mremap, with mappings sliced along region boundaries (spec
// §4.3).
package heap

import (
	"github.com/elkvm/elkvm/pkg/guest"
	"github.com/elkvm/elkvm/pkg/pager"
	"github.com/elkvm/elkvm/pkg/region"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("pkg", "heap")

// Mapper is the subset of the Pager the heap needs to install and
// remove leaf mappings once the RegionManager has decided host/guest
// addresses.
type Mapper interface {
	MapRegion(hostBase guest.Host, guestBase guest.Ptr, pages uint64, opts pager.Opts) error
	UnmapRegion(guestBase guest.Ptr, pages uint64) error
}

// FileFiller supplies file-backed mmap content: it reads length bytes
// from fd at offset into dst, which is already host memory carved out
// of a region by the RegionManager. The monitor never asks the host
// handler to hand back its own buffer -- that would mean mapping a
// second, untracked chunk on top of the one the RegionManager already
// owns.
type FileFiller interface {
	Fill(dst []byte, fd int32, offset uint64) error
}

// Manager is the HeapManager: two mapping pools (brk, mmap) layered
// on a RegionManager and Pager.
type Manager struct {
	regions *region.Manager
	pager   Mapper
	filler  FileFiller

	brkMappings  []*Mapping
	mmapMappings map[int]*Mapping

	nextMappingID int
	curBrk        guest.Ptr
	mmapNext      guest.Ptr
}

// MmapBase is the guest-virtual address the heap starts handing out
// for non-fixed anonymous/file-backed mmaps, chosen well clear of the
// brk segment and the canonical kernel upper half.
const MmapBase = guest.Ptr(0x00007f0000000000)

// New returns a HeapManager backed by regions and pager.
func New(regions *region.Manager, p Mapper) *Manager {
	return &Manager{
		regions:      regions,
		pager:        p,
		mmapMappings: make(map[int]*Mapping),
		mmapNext:     MmapBase,
	}
}

// SetFileFiller registers the host-side handler used to satisfy
// file-backed mmap requests.
func (m *Manager) SetFileFiller(f FileFiller) { m.filler = f }

// InitBrk seeds the first brk mapping over the ELF loader's data
// region: curBrk starts just past the segment's memory image, while
// the mapping covers usedBytes rounded up to whole pages (the pages
// the loader already mapped), so brk can move within that slack
// without mapping anything new.
func (m *Manager) InitBrk(r *region.Region, usedBytes uint64, curBrk guest.Ptr) *Mapping {
	mp := &Mapping{
		ID:        m.nextMappingID,
		RegionID:  r.ID,
		GuestBase: r.GuestBase,
		Length:    guest.RoundUpPage(usedBytes),
		Prot:      Prot{Write: true},
		Flags:     Flags{Anonymous: true},
	}
	m.nextMappingID++
	m.brkMappings = append(m.brkMappings, mp)
	m.curBrk = curBrk
	log.WithFields(logrus.Fields{"guest_base": r.GuestBase, "cur_brk": curBrk}).Debug("heap: brk initialized")
	return mp
}

// Brk implements brk(2) semantics: grow or shrink the program break.
func (m *Manager) Brk(newBrk guest.Ptr) (guest.Ptr, error) {
	if newBrk == 0 {
		return m.curBrk, nil
	}
	if len(m.brkMappings) == 0 {
		return 0, ErrNoBrk
	}
	switch {
	case uint64(newBrk) < uint64(m.curBrk):
		return m.shrinkBrk(newBrk)
	case uint64(newBrk) > uint64(m.curBrk):
		return m.growBrk(newBrk)
	default:
		return m.curBrk, nil
	}
}

func (m *Manager) shrinkBrk(newBrk guest.Ptr) (guest.Ptr, error) {
	for len(m.brkMappings) > 0 {
		back := m.brkMappings[len(m.brkMappings)-1]
		if uint64(newBrk) > uint64(back.GuestBase) {
			break
		}
		if err := m.destroyMapping(back, true); err != nil {
			return 0, err
		}
		m.brkMappings = m.brkMappings[:len(m.brkMappings)-1]
	}

	if len(m.brkMappings) > 0 {
		back := m.brkMappings[len(m.brkMappings)-1]
		keepThrough := guest.Ptr(guest.PageBegin(uint64(newBrk)) + guest.PageSize)
		if uint64(keepThrough) < uint64(back.End()) {
			keepLen := keepThrough.OffsetFrom(back.GuestBase)
			if err := m.trimMapping(back, keepLen); err != nil {
				return 0, err
			}
		}
	}

	m.curBrk = newBrk
	return newBrk, nil
}

// trimMapping shrinks mp to keepLen bytes, unmapping and freeing the
// tail of its region back to the RegionManager's free list.
func (m *Manager) trimMapping(mp *Mapping, keepLen uint64) error {
	r, ok := m.regions.RegionByID(mp.RegionID)
	if !ok {
		return region.ErrNotFound
	}

	_, tail, err := m.regions.SliceCenter(r, 0, keepLen)
	if err != nil {
		return errors.Wrap(err, "heap: trimming brk mapping")
	}

	freedPages := guest.PagesFor(mp.Length - keepLen)
	if err := m.pager.UnmapRegion(mp.GuestBase.After(keepLen), freedPages); err != nil {
		return err
	}
	if tail != nil {
		if err := m.regions.FreeRegion(tail); err != nil {
			return err
		}
	}
	mp.Length = keepLen
	return nil
}

func (m *Manager) growBrk(newBrk guest.Ptr) (guest.Ptr, error) {
	back := m.brkMappings[len(m.brkMappings)-1]
	wanted := guest.RoundUpPage(newBrk.OffsetFrom(back.GuestBase))

	r, ok := m.regions.RegionByID(back.RegionID)
	if !ok {
		return 0, region.ErrNotFound
	}

	if wanted <= r.Size {
		if err := m.mapExtra(back, r, back.Length, wanted-back.Length); err != nil {
			return 0, err
		}
		m.curBrk = newBrk
		return newBrk, nil
	}

	// Top the back mapping off to the end of its region, then allocate
	// a fresh region+mapping for the remainder, appended contiguously.
	if back.Length < r.Size {
		if err := m.mapExtra(back, r, back.Length, r.Size-back.Length); err != nil {
			return 0, err
		}
	}

	remaining := wanted - r.Size
	newRegion, err := m.regions.AllocateRegion(remaining, region.PurposeBrk)
	if err != nil {
		return 0, errors.Wrap(err, "heap: growing brk")
	}
	newGuestBase := back.GuestBase.After(r.Size)
	newRegion.GuestBase = newGuestBase

	if err := m.pager.MapRegion(newRegion.HostBase, newGuestBase, remaining/guest.PageSize, pager.Opts{Write: true}); err != nil {
		return 0, err
	}

	mp := &Mapping{
		ID:        m.nextMappingID,
		RegionID:  newRegion.ID,
		GuestBase: newGuestBase,
		Length:    remaining,
		Prot:      Prot{Write: true},
		Flags:     Flags{Anonymous: true},
	}
	m.nextMappingID++
	m.brkMappings = append(m.brkMappings, mp)

	m.curBrk = newBrk
	return newBrk, nil
}

// mapExtra maps the additional pages of r that lie between off and
// off+extra, bumping the owning mapping's Length.
func (m *Manager) mapExtra(mp *Mapping, r *region.Region, off, extra uint64) error {
	if extra == 0 {
		return nil
	}
	host := r.HostBase + guest.Host(off)
	guestAddr := mp.GuestBase.After(off)
	if err := m.pager.MapRegion(host, guestAddr, extra/guest.PageSize, pager.Opts{Write: true}); err != nil {
		return err
	}
	mp.Length += extra
	return nil
}

// destroyMapping unmaps all of mp's pages and, if free is true, frees
// its region back to the RegionManager.
func (m *Manager) destroyMapping(mp *Mapping, free bool) error {
	if err := m.pager.UnmapRegion(mp.GuestBase, guest.PagesFor(mp.Length)); err != nil {
		return err
	}
	if !free {
		return nil
	}
	r, ok := m.regions.RegionByID(mp.RegionID)
	if !ok {
		return region.ErrNotFound
	}
	return m.regions.FreeRegion(r)
}

// Stat returns a snapshot of current heap residency.
func (m *Manager) Stat() Stat {
	var s Stat
	for _, mp := range m.brkMappings {
		s.BrkBytes += mp.Length
	}
	for _, mp := range m.mmapMappings {
		s.MmapBytes += mp.Length
	}
	s.CurBrk = m.curBrk
	return s
}
