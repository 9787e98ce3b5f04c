// Package vm wires the pager, region manager, heap, ELF loader, stack
// builder, GDT/IDT builder, and a single vCPU into one aggregate root,
// and implements the hypercall-driven run loop as an explicit state
// machine rather than nested function calls, grounded on novm's
// loop.go Loop() shape and its control.go/control_vcpu.go wiring of
// one Vm+Vcpu+Model together.
package vm

import (
	"os"

	"github.com/elkvm/elkvm/pkg/elfload"
	"github.com/elkvm/elkvm/pkg/gdtidt"
	"github.com/elkvm/elkvm/pkg/guest"
	"github.com/elkvm/elkvm/pkg/heap"
	"github.com/elkvm/elkvm/pkg/kvm"
	"github.com/elkvm/elkvm/pkg/pager"
	"github.com/elkvm/elkvm/pkg/region"
	"github.com/elkvm/elkvm/pkg/signalq"
	"github.com/elkvm/elkvm/pkg/stack"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("pkg", "vm")

// entryTrampolineVA, isrBlobVA and cleanupTrampolineVA are the fixed
// guest-virtual addresses MSR_LSTAR, the IDT and the signal frame point
// at. Nothing in this package maps the flat blobs that belong there;
// their contents come from outside this module.
const (
	entryTrampolineVA   = guest.Ptr(0x0000400000001000)
	isrBlobVA           = guest.Ptr(0x0000400000002000)
	cleanupTrampolineVA = guest.Ptr(0x0000400000003000)
)

// PageMapper is the subset of the Pager the dispatcher needs to read
// and write guest memory directly (hypercall tags, signal frames).
type PageMapper interface {
	GetHostPointer(v guest.Ptr) (guest.Host, error)
	MapRegion(hostBase guest.Host, guestBase guest.Ptr, pages uint64, opts pager.Opts) error
	MapUserPage(hostPtr guest.Host, v guest.Ptr, opts pager.Opts) error
}

// VcpuIface is the subset of *kvm.Vcpu the dispatcher drives; narrowed
// to an interface so the run loop and syscall dispatch can be tested
// without a real /dev/kvm.
type VcpuIface interface {
	Run() error
	ExitReason() kvm.ExitReason
	IOExit() (port uint16, out bool, data []byte)
	GetRegister(reg kvm.Register) (uint64, error)
	SetRegister(reg kvm.Register, val uint64) error
	AllRegs() (kvm.Regs, error)
	SetAllRegs(kvm.Regs) error
	GetControlRegister(reg kvm.ControlRegister) (uint64, error)
}

// State names the dispatcher's position in the {Idle → Running →
// ExitReasonKnown → Dispatched → Idle} cycle, modeled explicitly so
// signal checks can live on transition edges.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateExitReasonKnown
	StateDispatched
	StateExited
)

// VM is the aggregate root: one hypervisor-VM, one vCPU, and every
// subsystem that needs to run before the guest's first instruction.
type VM struct {
	cfg Config

	kvmVM *kvm.Vm
	vcpu  VcpuIface

	pager   *pager.Pager
	regions *region.Manager
	heap    *heap.Manager
	loader  *elfload.Loader
	stackB  *stack.Builder
	gdtB    *gdtidt.Builder
	signals *signalq.Queue

	handlers    [numSyscalls]SyscallHandler
	sigHandlers sigactionTable
	savedRegs   kvm.Regs

	state      State
	exitStatus int

	stackBottom guest.Ptr // lowest mapped guest address of the stack, for the grow-down window check
}

// New constructs a VM from an already-open hypervisor handle. Boot
// does the rest (loading the binary, building the stack/GDT/IDT,
// starting the vCPU at its entry point).
func New(cfg Config, kvmVM *kvm.Vm) (*VM, error) {
	vcpu, err := kvmVM.NewVcpu()
	if err != nil {
		return nil, errors.Wrap(err, "vm: creating vcpu")
	}

	p := pager.New(kvmVM)
	if err := p.Initialize(pager.ModeLongMode); err != nil {
		return nil, errors.Wrap(err, "vm: initializing pager")
	}
	regions := region.New(p)
	h := heap.New(regions, p)
	loader := elfload.New(regions, p, h)
	stackB := stack.New(regions, p)
	gdtB := gdtidt.New(regions, p, vcpu)

	v := &VM{
		cfg:     cfg,
		kvmVM:   kvmVM,
		vcpu:    vcpu,
		pager:   p,
		regions: regions,
		heap:    h,
		loader:  loader,
		stackB:  stackB,
		gdtB:    gdtB,
		signals: signalq.New(),
		state:   StateIdle,
	}
	v.installDefaultHandlers()
	return v, nil
}

// Boot loads the binary, builds the initial stack/auxv, installs the
// GDT/IDT/TSS, and points the vCPU at the guest's entry point. Call
// RunOnce repeatedly (or RunLoop once) afterward.
func (v *VM) Boot() error {
	res, err := v.loader.Load(v.cfg.BinaryPath)
	if err != nil {
		return errors.Wrap(err, "vm: loading binary")
	}

	auxv := elfload.BuildAuxv(*res, 0, 0)
	stackRes, err := v.stackB.Setup(v.cfg.Argv, v.cfg.Envp, auxv)
	if err != nil {
		return errors.Wrap(err, "vm: setting up stack")
	}
	v.stackBottom = stackRes.StackRegion.GuestBase

	if _, err := v.gdtB.Build(entryTrampolineVA, isrBlobVA); err != nil {
		return errors.Wrap(err, "vm: building gdt/idt")
	}

	if err := v.vcpu.SetRegister(kvm.RIP, uint64(res.Entry)); err != nil {
		return err
	}
	if err := v.vcpu.SetRegister(kvm.RSP, uint64(stackRes.RSP)); err != nil {
		return err
	}

	v.signals.Start(os.Interrupt)
	v.state = StateIdle
	log.WithField("entry", res.Entry).Info("vm: booted")
	return nil
}

// Close tears down the vCPU, the hypervisor-VM, and the signal
// goroutine. Independent teardown failures are aggregated rather than
// masking each other, mirroring the multi-resource teardown shape an
// aggregate-root owner needs.
func (v *VM) Close() error {
	v.signals.Stop()

	var result error
	if c, ok := v.vcpu.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			result = multierrorAppend(result, errors.Wrap(err, "vm: closing vcpu"))
		}
	}
	if err := v.kvmVM.Close(); err != nil {
		result = multierrorAppend(result, errors.Wrap(err, "vm: closing hypervisor handle"))
	}
	return result
}

// ExitStatus is valid once State() == StateExited.
func (v *VM) ExitStatus() int { return v.exitStatus }

// State reports the dispatcher's current position.
func (v *VM) State() State { return v.state }
