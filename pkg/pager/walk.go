package pager

import "github.com/elkvm/elkvm/pkg/guest"

// physToPTOffset converts a guest-physical address that names a
// directory page into its byte offset within ptBuf.
func (p *Pager) physToPTOffset(phys guest.Phys) uint64 {
	return phys.OffsetFrom(p.ptGuest)
}

// step reads directory entry idx of tbl and returns the table it
// points to. If the entry is absent and create is true, a fresh
// directory page is allocated and linked in; if create is false,
// ErrNotMapped is returned instead.
func (p *Pager) step(tbl table, idx int, create bool) (table, error) {
	if tbl[idx].present() {
		return p.dirTableAt(p.physToPTOffset(tbl[idx].addr())), nil
	}
	if !create {
		return nil, ErrNotMapped
	}
	off, err := p.allocDirPage()
	if err != nil {
		return nil, err
	}
	tbl[idx] = makeDirPTE(p.ptGuest.After(off))
	return p.dirTableAt(off), nil
}

// walk descends the four table levels for v, creating missing
// directory pages along the way iff create is true. It returns the
// PTE slot for v's page, the slot's containing table and index (so
// callers can clear it), or an error.
func (p *Pager) walk(v guest.Ptr, create bool) (tbl table, idx int, err error) {
	pml4i, pdpti, pdi, pti := indices(v)

	pml4 := p.dirTableAt(p.pml4Off)
	pdpt, err := p.step(pml4, pml4i, create)
	if err != nil {
		return nil, 0, err
	}
	pd, err := p.step(pdpt, pdpti, create)
	if err != nil {
		return nil, 0, err
	}
	pt, err := p.step(pd, pdi, create)
	if err != nil {
		return nil, 0, err
	}
	return pt, pti, nil
}

// MapUserPage installs a single 4K present leaf mapping of the host
// page at hostPtr into the guest-virtual address v, with the given
// permissions. A present entry at v is overwritten.
func (p *Pager) MapUserPage(hostPtr guest.Host, v guest.Ptr, opts Opts) error {
	if !guest.IsAligned(uint64(v)) {
		return ErrUnaligned
	}
	phys, err := p.hostToPhys(hostPtr)
	if err != nil {
		return err
	}
	tbl, idx, err := p.walk(v, true)
	if err != nil {
		return err
	}
	tbl[idx] = makePTE(phys, opts.Write, opts.Exec, true)
	return nil
}

// MapKernelPage maps hostPtr into the next free slot of the kernel's
// upper-half region and returns the guest-virtual address it was
// mapped at. Kernel pages are never user-accessible.
func (p *Pager) MapKernelPage(hostPtr guest.Host, opts Opts) (guest.Ptr, error) {
	v := p.kernelNext
	phys, err := p.hostToPhys(hostPtr)
	if err != nil {
		return 0, err
	}
	tbl, idx, err := p.walk(v, true)
	if err != nil {
		return 0, err
	}
	tbl[idx] = makePTE(phys, opts.Write, opts.Exec, false)
	p.kernelNext = p.kernelNext.After(guest.PageSize)
	return v, nil
}

// MapRegion maps pages consecutive pages starting at hostBase/guestBase.
func (p *Pager) MapRegion(hostBase guest.Host, guestBase guest.Ptr, pages uint64, opts Opts) error {
	for i := uint64(0); i < pages; i++ {
		host := hostBase + guest.Host(i*guest.PageSize)
		v := guestBase.After(i * guest.PageSize)
		if err := p.MapUserPage(host, v, opts); err != nil {
			return err
		}
	}
	return nil
}

// UnmapRegion clears the leaf mappings for pages consecutive pages
// starting at guestBase, freeing any PT/PD/PDPT directory page that
// becomes entirely empty as a result, so repeated mmap/munmap cycles
// don't leak directory pages.
func (p *Pager) UnmapRegion(guestBase guest.Ptr, pages uint64) error {
	for i := uint64(0); i < pages; i++ {
		v := guestBase.After(i * guest.PageSize)
		if err := p.unmapPage(v); err != nil && err != ErrNotMapped {
			return err
		}
	}
	return nil
}

// unmapPage clears the leaf PTE for v, then walks back up through PT,
// PD, and PDPT freeing any directory page left with no other present
// entry. PML4 is never freed: it's the paging root for the vCPU's
// lifetime.
func (p *Pager) unmapPage(v guest.Ptr) error {
	pml4i, pdpti, pdi, pti := indices(v)

	pml4 := p.dirTableAt(p.pml4Off)
	pdptOff, err := p.presentChildOffset(pml4, pml4i)
	if err != nil {
		return err
	}
	pdpt := p.dirTableAt(pdptOff)
	pdOff, err := p.presentChildOffset(pdpt, pdpti)
	if err != nil {
		return err
	}
	pd := p.dirTableAt(pdOff)
	ptOff, err := p.presentChildOffset(pd, pdi)
	if err != nil {
		return err
	}
	pt := p.dirTableAt(ptOff)

	if !pt[pti].present() {
		return ErrNotMapped
	}
	pt[pti] = 0
	if !tableEmpty(pt) {
		return nil
	}

	p.freeDirPage(ptOff)
	pd[pdi] = 0
	if !tableEmpty(pd) {
		return nil
	}

	p.freeDirPage(pdOff)
	pdpt[pdpti] = 0
	if !tableEmpty(pdpt) {
		return nil
	}

	p.freeDirPage(pdptOff)
	pml4[pml4i] = 0
	return nil
}

// presentChildOffset returns the directory-page offset tbl[idx]
// points to, or ErrNotMapped if the entry is absent.
func (p *Pager) presentChildOffset(tbl table, idx int) (uint64, error) {
	if !tbl[idx].present() {
		return 0, ErrNotMapped
	}
	return p.physToPTOffset(tbl[idx].addr()), nil
}

func tableEmpty(tbl table) bool {
	for _, e := range tbl {
		if e.present() {
			return false
		}
	}
	return true
}

// GetHostPointer translates a guest-virtual address to the host
// pointer backing it, without creating any missing table levels.
func (p *Pager) GetHostPointer(v guest.Ptr) (guest.Host, error) {
	tbl, idx, err := p.walk(v, false)
	if err != nil {
		return 0, err
	}
	if !tbl[idx].present() {
		return 0, ErrNotMapped
	}
	return p.physToHost(tbl[idx].addr())
}
