package vm

import (
	"github.com/elkvm/elkvm/pkg/kvm"
	"github.com/pkg/errors"
)

// hypercallTag is the first value the guest-side entry trampoline
// pushes before trapping (HLT or an IO-port write) to hand control to
// the monitor. The exact numbering is this module's own half of the
// trampoline blob's ABI contract; the flat blob itself is supplied
// externally and out of this module's scope.
type hypercallTag uint64

const (
	tagSyscall hypercallTag = iota
	tagInterrupt
	tagExit
)

// fatal interrupt vectors: #SS and #GP are always fatal; #PF is fatal
// only outside the stack's grow-down window.
const (
	vecSS = 0x0C
	vecGP = 0x0D
	vecPF = 0x0E
)

// RunLoop drives the dispatcher state machine until the guest exits
// or a fatal condition is hit. Each iteration is one quantum: deliver
// a pending signal, KVM_RUN, decode the exit, dispatch it.
func (v *VM) RunLoop() error {
	for v.state != StateExited {
		if err := v.RunOnce(); err != nil {
			return err
		}
	}
	return nil
}

// RunOnce executes exactly one quantum, advancing the dispatcher
// through Idle → Running → ExitReasonKnown → Dispatched and back to
// Idle (or to Exited). Signal checks live on the Idle→Running edge,
// keeping them on transition edges rather than buried in nested calls.
func (v *VM) RunOnce() error {
	if err := v.deliverPendingSignal(); err != nil {
		return err
	}

	v.state = StateRunning
	if err := v.vcpu.Run(); err != nil {
		return errors.Wrap(err, "vm: vcpu run")
	}

	v.state = StateExitReasonKnown
	reason := v.vcpu.ExitReason()

	switch reason {
	case kvm.ExitReasonHLT, kvm.ExitReasonIO:
		if err := v.handleHypercall(); err != nil {
			return err
		}
	case kvm.ExitReasonException:
		if err := v.handleException(); err != nil {
			return err
		}
	case kvm.ExitReasonDebug:
		// Debug exits need no handling: nothing is pushed or popped
		// and the guest resumes at its current RIP.
	default:
		return errors.Errorf("vm: unexpected vcpu exit reason %v", reason)
	}

	if v.state == StateExited {
		return nil
	}
	v.state = StateDispatched
	v.state = StateIdle
	return nil
}

// handleHypercall pops the tag the trampoline pushed and routes to
// the matching syscall/interrupt/exit handling. RIP itself is never
// advanced here: KVM already moved it past the trapping HLT or IO
// instruction before returning from Run, so the monitor only ever
// deals with register/memory state, never instruction decoding.
func (v *VM) handleHypercall() error {
	tag, err := v.popGuestStack()
	if err != nil {
		return err
	}

	switch hypercallTag(tag) {
	case tagSyscall:
		return v.dispatchSyscall()
	case tagInterrupt:
		return v.handleInterruptHypercall()
	case tagExit:
		// EXIT_HANDLER reuses the plain EXIT tag; the two never
		// legitimately overlap, so HandlerActive alone distinguishes
		// "guest program exited" from "signal handler invocation
		// finished".
		if v.signals.HandlerActive() {
			return v.handleExitHandler()
		}
		v.state = StateExited
		return nil
	default:
		return errors.Errorf("vm: unknown hypercall tag %d", tag)
	}
}

// handleInterruptHypercall pops the vector and error code the
// trampoline pushed for a trapped exception and routes it through the
// fatal-vector table.
func (v *VM) handleInterruptHypercall() error {
	vector, err := v.popGuestStack()
	if err != nil {
		return err
	}
	if _, err := v.popGuestStack(); err != nil { // error code, unused beyond #PF
		return err
	}
	return v.routeInterruptVector(uint32(vector))
}

// handleException covers the case where KVM itself reports the
// trapped exception via KVM_EXIT_EXCEPTION rather than the guest's
// own trampoline pushing an INTERRUPT hypercall; both paths converge
// on routeInterruptVector.
func (v *VM) handleException() error {
	if _, err := v.vcpu.GetControlRegister(kvm.CR2); err != nil {
		return err
	}
	return v.routeInterruptVector(vecPF)
}

func (v *VM) routeInterruptVector(vector uint32) error {
	switch vector {
	case vecSS, vecGP:
		return ErrGuestFatal
	case vecPF:
		return v.handlePageFault()
	default:
		return nil
	}
}

// popGuestStack reads the word at the guest's current RSP and
// advances RSP past it — how the monitor retrieves hypercall
// tags/vector/error-code words the trampoline pushed before trapping.
func (v *VM) popGuestStack() (uint64, error) {
	rsp, err := v.vcpu.GetRegister(kvm.RSP)
	if err != nil {
		return 0, err
	}
	word, err := readGuestU64(v.pager, guestPtrOf(rsp))
	if err != nil {
		return 0, err
	}
	if err := v.vcpu.SetRegister(kvm.RSP, rsp+8); err != nil {
		return 0, err
	}
	return word, nil
}

// pushGuestStack decrements RSP and writes val, the inverse of
// popGuestStack; used to synthesize the signal-delivery frame.
func (v *VM) pushGuestStack(val uint64) error {
	rsp, err := v.vcpu.GetRegister(kvm.RSP)
	if err != nil {
		return err
	}
	rsp -= 8
	if err := writeGuestU64(v.pager, guestPtrOf(rsp), val); err != nil {
		return err
	}
	if err := v.vcpu.SetRegister(kvm.RSP, rsp); err != nil {
		return err
	}
	return nil
}
