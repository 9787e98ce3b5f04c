package vm

import (
	"github.com/elkvm/elkvm/pkg/kvm"
	"github.com/elkvm/elkvm/pkg/signalq"
)

// sigactionTable holds one guest handler address per signal number,
// a minimal "handlers[s].sa_handler" lookup; a real guest libc's
// sigaction bookkeeping lives in guest memory and is opaque to the
// monitor, so this is only the address the monitor itself needs to
// synthesize the handler-invocation frame.
type sigactionTable [64]uint64 // indexed by signal number; 0 = no handler installed

// SetHandler records the guest address of signal s's handler.
func (v *VM) SetHandler(s int, guestAddr uint64) {
	if s < 0 || s >= len(v.sigHandlers) {
		return
	}
	v.sigHandlers[s] = guestAddr
}

// deliverPendingSignal runs the between-quanta signal protocol: pop
// one pending signal, save vCPU state, and push a frame that runs the
// guest's handler followed by the cleanup trampoline. No-op if the
// queue is empty or a handler invocation is already outstanding (the
// guest hasn't issued EXIT_HANDLER yet).
func (v *VM) deliverPendingSignal() error {
	if v.signals.HandlerActive() {
		return nil
	}
	sig, ok := v.signals.Pop()
	if !ok {
		return nil
	}
	num, ok := signalq.Number(sig)
	if !ok || num < 0 || num >= len(v.sigHandlers) {
		return nil
	}
	handler := v.sigHandlers[num]
	if handler == 0 {
		return nil // no guest handler registered; drop the signal
	}

	saved, err := v.vcpu.AllRegs()
	if err != nil {
		return err
	}
	v.savedRegs = saved
	v.signals.SetHandlerActive(true)

	if err := v.pushGuestStack(saved.RAX); err != nil {
		return err
	}
	if err := v.pushGuestStack(uint64(cleanupTrampolineVA)); err != nil {
		return err
	}
	if err := v.pushGuestStack(handler); err != nil {
		return err
	}
	return v.vcpu.SetRegister(kvm.RDI, uint64(num))
}

// handleExitHandler restores the register state saved before the
// guest's signal handler ran, once the cleanup trampoline issues the
// EXIT_HANDLER hypercall. EXIT_HANDLER reuses the tagExit hypercall
// tag; the dispatcher distinguishes it by checking HandlerActive
// rather than a fourth tag value, since the two can never legitimately
// overlap.
func (v *VM) handleExitHandler() error {
	if err := v.vcpu.SetAllRegs(v.savedRegs); err != nil {
		return err
	}
	v.signals.SetHandlerActive(false)
	return nil
}
