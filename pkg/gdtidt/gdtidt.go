// Package gdtidt builds the guest's long-mode GDT, IDT, and TSS and
// wires MSR_STAR/MSR_LSTAR for the syscall/sysret trampoline. The
// descriptor bit layouts follow novm's loader/linux_x86.go
// build_gdt/build_tss C routines, re-expressed as plain Go
// struct-free byte encoders since the descriptors are fixed 8/16-byte
// records rather than anything worth a generic type for.
package gdtidt

import (
	"encoding/binary"

	"github.com/elkvm/elkvm/pkg/guest"
	"github.com/elkvm/elkvm/pkg/kvm"
	"github.com/elkvm/elkvm/pkg/pager"
	"github.com/elkvm/elkvm/pkg/region"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("pkg", "gdtidt")

// GDT selector indices, in the order the long-mode descriptor layout
// below expects.
const (
	selNull = iota
	selUserSS
	selUserCS
	selUserDS
	selTSSLow
	selTSSHigh
	selKernelCS
	selKernelSS
	gdtEntries
)

const (
	rplUser   = 3
	rplKernel = 0
)

// MSR_STAR and MSR_LSTAR, the two syscall-related model-specific
// registers the monitor programs (novm's platform/x86.go names the
// same pair when building its own minimal guest ABI).
const (
	msrStar  = 0xc0000081
	msrLstar = 0xc0000082
)

// Mapper is the subset of the Pager the builder needs.
type Mapper interface {
	MapKernelPage(hostPtr guest.Host, opts pager.Opts) (guest.Ptr, error)
}

// VcpuSetter is the subset of kvm.Vcpu the builder needs to program.
type VcpuSetter interface {
	SetDescriptor(name kvm.DescriptorName, base uint64, limit uint16) error
	SetSegment(name kvm.SegmentName, seg kvm.Segment) error
	SetMSR(index uint32, data uint64) error
}

// Builder constructs and installs the GDT/IDT/TSS for one vCPU.
type Builder struct {
	regions *region.Manager
	pager   Mapper
	vcpu    VcpuSetter
}

// New returns a Builder writing into regions/pager and programming vcpu.
func New(regions *region.Manager, p Mapper, vcpu VcpuSetter) *Builder {
	return &Builder{regions: regions, pager: p, vcpu: vcpu}
}

// Result carries the addresses a caller may need after Build.
type Result struct {
	GDTBase  guest.Ptr
	IDTBase  guest.Ptr
	TSSBase  guest.Ptr
	EntryVA  guest.Ptr
}

// Build allocates and maps the GDT, IDT, and TSS pages, writes their
// contents, programs the vCPU's descriptor table registers and
// cached segments, and sets MSR_STAR/MSR_LSTAR so `syscall` in the
// guest traps to entryTrampolineVA. isrBase is the guest-virtual
// address of the externally supplied flat ISR stub blob; its first 48
// 9-byte slots become IDT vector targets.
func (b *Builder) Build(entryTrampolineVA guest.Ptr, isrBase guest.Ptr) (*Result, error) {
	gdtRegion, err := b.allocAndMap(guest.PageSize, region.PurposeGDT)
	if err != nil {
		return nil, err
	}
	idtRegion, err := b.allocAndMap(guest.PageSize, region.PurposeIDT)
	if err != nil {
		return nil, err
	}
	tssRegion, err := b.allocAndMap(guest.PageSize, region.PurposeTSS)
	if err != nil {
		return nil, err
	}

	b.writeGDT(gdtRegion, tssRegion.GuestBase)
	b.writeIDT(idtRegion, isrBase)

	if err := b.vcpu.SetDescriptor(kvm.DescGDT, uint64(gdtRegion.GuestBase), uint16(gdtEntries*8-1)); err != nil {
		return nil, err
	}
	if err := b.vcpu.SetDescriptor(kvm.DescIDT, uint64(idtRegion.GuestBase), 256*16-1); err != nil {
		return nil, err
	}

	if err := b.setSegments(); err != nil {
		return nil, err
	}

	// MSR_STAR: bits 63:48 select the user CS/SS pair used on sysret
	// (SS = that field, CS = that field + 8); bits 47:32 select the
	// kernel CS used on syscall entry (SS = CS + 8, per the Linux
	// syscall trampoline's own GDT layout convention).
	star := uint64(selKernelCS*8)<<32 | uint64(selUserCS*8|rplUser)<<48
	if err := b.vcpu.SetMSR(msrStar, star); err != nil {
		return nil, err
	}
	if err := b.vcpu.SetMSR(msrLstar, uint64(entryTrampolineVA)); err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"gdt": gdtRegion.GuestBase, "idt": idtRegion.GuestBase, "tss": tssRegion.GuestBase,
	}).Info("gdtidt: descriptor tables installed")

	return &Result{
		GDTBase: gdtRegion.GuestBase,
		IDTBase: idtRegion.GuestBase,
		TSSBase: tssRegion.GuestBase,
		EntryVA: entryTrampolineVA,
	}, nil
}

// allocAndMap carves a region and maps it page by page into the
// kernel's upper-half range via Pager.MapKernelPage, which both
// assigns the guest-virtual base (AllocateRegion leaves GuestBase
// zero) and guarantees GDT/IDT/TSS never collide with each other or
// with any user mapping.
func (b *Builder) allocAndMap(size uint64, purpose region.Purpose) (*region.Region, error) {
	r, err := b.regions.AllocateRegion(size, purpose)
	if err != nil {
		return nil, err
	}
	pages := size / guest.PageSize
	for i := uint64(0); i < pages; i++ {
		va, err := b.pager.MapKernelPage(r.HostBase+guest.Host(i*guest.PageSize), pager.Opts{Write: true})
		if err != nil {
			return nil, err
		}
		if i == 0 {
			r.GuestBase = va
		}
	}
	return r, nil
}

func (b *Builder) writeGDT(r *region.Region, tssBase guest.Ptr) {
	chunk, _ := b.regions.Chunk(r.ChunkID)
	buf := r.Bytes(b.regions.ChunkMmap(r.ChunkID), chunk.HostBase)

	put := func(idx int, v uint64) { binary.LittleEndian.PutUint64(buf[idx*8:], v) }

	put(selNull, 0)
	put(selUserSS, dataDescriptor(rplUser))
	put(selUserCS, codeDescriptor(rplUser))
	put(selUserDS, dataDescriptor(rplUser))
	put(selTSSLow, tssDescriptorLow(uint64(tssBase), 0x67))
	put(selTSSHigh, tssDescriptorHigh(uint64(tssBase)))
	put(selKernelCS, codeDescriptor(rplKernel))
	put(selKernelSS, dataDescriptor(rplKernel))
}

// writeIDT builds 256 16-byte interrupt-gate descriptors; the first
// 48 point into isrBase at 9-byte intervals (each ISR stub pushes its
// own vector number before trapping to the monitor), the rest are
// left absent (present=0): the monitor never expects those vectors to
// fire.
func (b *Builder) writeIDT(r *region.Region, isrBase guest.Ptr) {
	chunk, _ := b.regions.Chunk(r.ChunkID)
	buf := r.Bytes(b.regions.ChunkMmap(r.ChunkID), chunk.HostBase)

	const wiredVectors = 48
	for i := 0; i < 256; i++ {
		var gate [16]byte
		if i < wiredVectors {
			target := uint64(isrBase) + uint64(i)*9
			gate = interruptGate(uint16(selKernelCS*8), target, rplKernel)
		}
		copy(buf[i*16:], gate[:])
	}
}

// setSegments programs the vCPU's cached segment registers for
// kernel-mode boot entry. The user CS/SS pair is never written here:
// it is selected by MSR_STAR on the guest's own `sysret` back to user
// mode, not by the monitor up front.
func (b *Builder) setSegments() error {
	kernelCode := kvm.Segment{Selector: selKernelCS * 8, Type: 0xb, Present: 1, S: 1, L: 1}
	kernelData := kvm.Segment{Selector: selKernelSS * 8, Type: 0x3, Present: 1, S: 1}
	userData := kvm.Segment{Selector: selUserSS*8 | rplUser, Type: 0x3, Present: 1, DPL: rplUser, S: 1}

	for _, s := range []struct {
		name kvm.SegmentName
		seg  kvm.Segment
	}{
		{kvm.SegCS, kernelCode},
		{kvm.SegSS, kernelData},
		{kvm.SegDS, userData},
		{kvm.SegES, userData},
		{kvm.SegFS, userData},
		{kvm.SegGS, userData},
	} {
		if err := b.vcpu.SetSegment(s.name, s.seg); err != nil {
			return err
		}
	}
	return nil
}
