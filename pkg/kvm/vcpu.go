package kvm

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Vcpu wraps a single KVM vCPU file descriptor and its shared
// kvm_run page (grounded on novm's platform.KvmVcpu / platform.Vcpu).
type Vcpu struct {
	vm  *Vm
	id  int
	fd  int
	run *runPage

	regs       Regs
	sregs      SRegs
	regsDirty  bool
	sregsDirty bool
}

// Vcpu returns this vCPU's index within its VM.
func (v *Vcpu) Vcpu() int { return v.id }

// Close halts and disposes of the vCPU.
func (v *Vcpu) Close() error {
	state := mpState{State: MPStateHalted}
	ioctl(v.fd, iow(nrSetMPState, sizeOf[mpState]()), uintptr(unsafe.Pointer(&state)))
	unix.Munmap(v.run.raw)
	return unix.Close(v.fd)
}

func (v *Vcpu) getRegs() error {
	_, err := ioctl(v.fd, ior(nrGetRegs, sizeOf[Regs]()), uintptr(unsafe.Pointer(&v.regs)))
	return err
}

func (v *Vcpu) flushRegs() error {
	if !v.regsDirty {
		return nil
	}
	_, err := ioctl(v.fd, iow(nrSetRegs, sizeOf[Regs]()), uintptr(unsafe.Pointer(&v.regs)))
	if err == nil {
		v.regsDirty = false
	}
	return err
}

func (v *Vcpu) getSRegs() error {
	_, err := ioctl(v.fd, ior(nrGetSRegs, sizeOf[SRegs]()), uintptr(unsafe.Pointer(&v.sregs)))
	return err
}

func (v *Vcpu) flushSRegs() error {
	if !v.sregsDirty {
		return nil
	}
	_, err := ioctl(v.fd, iow(nrSetSRegs, sizeOf[SRegs]()), uintptr(unsafe.Pointer(&v.sregs)))
	if err == nil {
		v.sregsDirty = false
	}
	return err
}

// GetRegister reads a single general purpose register, always
// re-fetching the whole register file from the kernel.
func (v *Vcpu) GetRegister(reg Register) (uint64, error) {
	if err := v.getRegs(); err != nil {
		return 0, err
	}
	return v.regField(reg), nil
}

// SetRegister writes a single general purpose register; the register
// file is written back to the kernel immediately.
func (v *Vcpu) SetRegister(reg Register, val uint64) error {
	if err := v.getRegs(); err != nil {
		return err
	}
	v.setRegField(reg, val)
	v.regsDirty = true
	return v.flushRegs()
}

func (v *Vcpu) regField(reg Register) uint64 {
	switch reg {
	case RAX:
		return v.regs.RAX
	case RBX:
		return v.regs.RBX
	case RCX:
		return v.regs.RCX
	case RDX:
		return v.regs.RDX
	case RSI:
		return v.regs.RSI
	case RDI:
		return v.regs.RDI
	case RSP:
		return v.regs.RSP
	case RBP:
		return v.regs.RBP
	case R8:
		return v.regs.R8
	case R9:
		return v.regs.R9
	case R10:
		return v.regs.R10
	case R11:
		return v.regs.R11
	case R12:
		return v.regs.R12
	case R13:
		return v.regs.R13
	case R14:
		return v.regs.R14
	case R15:
		return v.regs.R15
	case RIP:
		return v.regs.RIP
	case RFLAGS:
		return v.regs.RFLAGS
	default:
		return 0
	}
}

func (v *Vcpu) setRegField(reg Register, val uint64) {
	switch reg {
	case RAX:
		v.regs.RAX = val
	case RBX:
		v.regs.RBX = val
	case RCX:
		v.regs.RCX = val
	case RDX:
		v.regs.RDX = val
	case RSI:
		v.regs.RSI = val
	case RDI:
		v.regs.RDI = val
	case RSP:
		v.regs.RSP = val
	case RBP:
		v.regs.RBP = val
	case R8:
		v.regs.R8 = val
	case R9:
		v.regs.R9 = val
	case R10:
		v.regs.R10 = val
	case R11:
		v.regs.R11 = val
	case R12:
		v.regs.R12 = val
	case R13:
		v.regs.R13 = val
	case R14:
		v.regs.R14 = val
	case R15:
		v.regs.R15 = val
	case RIP:
		v.regs.RIP = val
	case RFLAGS:
		v.regs.RFLAGS = val
	}
}

// AllRegs returns a copy of the cached general purpose register file,
// refreshed from the kernel. Used by the signal plumbing to save/
// restore state around a guest signal handler invocation.
func (v *Vcpu) AllRegs() (Regs, error) {
	if err := v.getRegs(); err != nil {
		return Regs{}, err
	}
	return v.regs, nil
}

// SetAllRegs restores a previously saved register file.
func (v *Vcpu) SetAllRegs(r Regs) error {
	v.regs = r
	v.regsDirty = true
	return v.flushRegs()
}

// GetControlRegister reads a control register.
func (v *Vcpu) GetControlRegister(reg ControlRegister) (uint64, error) {
	if err := v.getSRegs(); err != nil {
		return 0, err
	}
	switch reg {
	case CR0:
		return v.sregs.CR0, nil
	case CR2:
		return v.sregs.CR2, nil
	case CR3:
		return v.sregs.CR3, nil
	case CR4:
		return v.sregs.CR4, nil
	case CR8:
		return v.sregs.CR8, nil
	case EFER:
		return v.sregs.EFER, nil
	default:
		return 0, errors.New("kvm: unknown control register")
	}
}

// SetControlRegister writes a control register.
func (v *Vcpu) SetControlRegister(reg ControlRegister, val uint64) error {
	if err := v.getSRegs(); err != nil {
		return err
	}
	switch reg {
	case CR0:
		v.sregs.CR0 = val
	case CR2:
		v.sregs.CR2 = val
	case CR3:
		v.sregs.CR3 = val
	case CR4:
		v.sregs.CR4 = val
	case CR8:
		v.sregs.CR8 = val
	case EFER:
		v.sregs.EFER = val
	default:
		return errors.New("kvm: unknown control register")
	}
	v.sregsDirty = true
	return v.flushSRegs()
}

// SetSegment writes a segment register.
func (v *Vcpu) SetSegment(name SegmentName, seg Segment) error {
	if err := v.getSRegs(); err != nil {
		return err
	}
	switch name {
	case SegCS:
		v.sregs.CS = seg
	case SegDS:
		v.sregs.DS = seg
	case SegES:
		v.sregs.ES = seg
	case SegFS:
		v.sregs.FS = seg
	case SegGS:
		v.sregs.GS = seg
	case SegSS:
		v.sregs.SS = seg
	case SegTR:
		v.sregs.TR = seg
	case SegLDT:
		v.sregs.LDT = seg
	}
	v.sregsDirty = true
	return v.flushSRegs()
}

// GetSegment reads a segment register.
func (v *Vcpu) GetSegment(name SegmentName) (Segment, error) {
	if err := v.getSRegs(); err != nil {
		return Segment{}, err
	}
	switch name {
	case SegCS:
		return v.sregs.CS, nil
	case SegDS:
		return v.sregs.DS, nil
	case SegES:
		return v.sregs.ES, nil
	case SegFS:
		return v.sregs.FS, nil
	case SegGS:
		return v.sregs.GS, nil
	case SegSS:
		return v.sregs.SS, nil
	case SegTR:
		return v.sregs.TR, nil
	case SegLDT:
		return v.sregs.LDT, nil
	default:
		return Segment{}, errors.New("kvm: unknown segment")
	}
}

// SetDescriptor writes the GDT or IDT base/limit.
func (v *Vcpu) SetDescriptor(name DescriptorName, base uint64, limit uint16) error {
	if err := v.getSRegs(); err != nil {
		return err
	}
	switch name {
	case DescGDT:
		v.sregs.GDT = DTable{Base: base, Limit: limit}
	case DescIDT:
		v.sregs.IDT = DTable{Base: base, Limit: limit}
	}
	v.sregsDirty = true
	return v.flushSRegs()
}

// SetMSR writes a single model-specific register.
func (v *Vcpu) SetMSR(index uint32, data uint64) error {
	type msrs struct {
		NMSRs uint32
		Pad   uint32
		Entry MSREntry
	}
	m := msrs{NMSRs: 1, Entry: MSREntry{Index: index, Data: data}}
	_, err := ioctl(v.fd, iow(nrSetMSRs, unsafe.Sizeof(m)), uintptr(unsafe.Pointer(&m)))
	return errors.Wrap(err, "kvm: KVM_SET_MSRS")
}

// Run enters the guest until the next VM-exit, flushing any dirty
// register state first. The exit reason and decoded payload are
// retrieved with the Exit* accessors below.
func (v *Vcpu) Run() error {
	if err := v.flushRegs(); err != nil {
		return err
	}
	if err := v.flushSRegs(); err != nil {
		return err
	}
	for {
		_, err := ioctl(v.fd, io(nrRun), 0)
		if err == nil {
			return nil
		}
		if errno, ok := err.(unix.Errno); ok && (errno == unix.EINTR || errno == unix.EAGAIN) {
			continue
		}
		return errors.Wrap(err, "kvm: KVM_RUN")
	}
}

// ExitReason returns the decoded reason for the most recent Run's exit.
func (v *Vcpu) ExitReason() ExitReason {
	return v.run.exitReason()
}

// IOExit returns the decoded IO-port exit payload; valid only when
// ExitReason() == ExitReasonIO.
func (v *Vcpu) IOExit() (port uint16, out bool, data []byte) {
	io := v.run.io()
	return io.Port, io.Direction == 1, v.run.ioData()
}

// SetSingleStep toggles guest-debug single-stepping (used by the
// external GDB-stub collaborator; wired here since it is a vcpu-level
// ioctl, not a debug-shell concern).
func (v *Vcpu) SetSingleStep(on bool) error {
	var dbg guestDebug
	if on {
		dbg.Control = 1 | 2 // KVM_GUESTDBG_ENABLE | KVM_GUESTDBG_SINGLESTEP
	}
	_, err := ioctl(v.fd, iow(nrSetGuestDebug, sizeOf[guestDebug]()), uintptr(unsafe.Pointer(&dbg)))
	return err
}
