package vm

import (
	"golang.org/x/sys/unix"

	"github.com/elkvm/elkvm/pkg/guest"
	"github.com/elkvm/elkvm/pkg/heap"
	"github.com/elkvm/elkvm/pkg/kvm"
)

// syscallArgRegs is the Linux x86-64 syscall ABI's argument order:
// RDI, RSI, RDX, R10 (not RCX: `syscall` clobbers it with the return
// address), R8, R9.
var syscallArgRegs = [6]kvm.Register{kvm.RDI, kvm.RSI, kvm.RDX, kvm.R10, kvm.R8, kvm.R9}

func guestPtrOf(v uint64) guest.Ptr { return guest.Ptr(v) }

// numSyscalls bounds the vtable; Linux x86-64 never assigns a syscall
// number above this in the non-x32 ABI we target.
const numSyscalls = 450

// SyscallHandler serves one guest syscall and returns the value that
// always lands in RAX: a non-negative result, or the negated POSIX
// errno. A non-nil error is a monitor fault (ioctl failure, corrupt
// pointer), not a guest-visible one. args carries raw guest-virtual
// addresses, exactly as the vCPU's registers held them; a handler
// whose argument is a buffer pointer (write's buf, read's buf, ...)
// must translate it itself via VM.HostBytes/VM.PutHostBytes before
// dereferencing it.
type SyscallHandler func(v *VM, args [6]uint64) (int64, error)

// RegisterHandler installs or overrides the handler for syscall
// number num. Embedders call this to wire the host-side handler
// vtable for everything outside core memory management
// (open/read/write/ioctl/...); the few syscalls that are core monitor
// operations (brk, mmap, munmap, mremap, exit, exit_group) already
// have handlers installed by New and may be overridden too.
func (v *VM) RegisterHandler(num int, h SyscallHandler) {
	if num < 0 || num >= numSyscalls {
		return
	}
	v.handlers[num] = h
}

func (v *VM) installDefaultHandlers() {
	v.handlers[unix.SYS_BRK] = sysBrk
	v.handlers[unix.SYS_MMAP] = sysMmap
	v.handlers[unix.SYS_MUNMAP] = sysMunmap
	v.handlers[unix.SYS_MREMAP] = sysMremap
	v.handlers[unix.SYS_EXIT] = sysExitGroup
	v.handlers[unix.SYS_EXIT_GROUP] = sysExitGroup
}

// dispatchSyscall reads RAX/RDI/RSI/RDX/R10/R8/R9 in the x86-64
// syscall argument order (R10, not RCX: `syscall` clobbers RCX with
// the return address, so the ABI moves the 4th argument to R10
// instead), dispatches to the vtable, and writes the result back to
// RAX.
func (v *VM) dispatchSyscall() error {
	num, err := v.vcpu.GetRegister(kvm.RAX)
	if err != nil {
		return err
	}

	if num >= numSyscalls || v.handlers[num] == nil {
		enosys := int64(unix.ENOSYS)
		return v.vcpu.SetRegister(kvm.RAX, uint64(-enosys))
	}

	var args [6]uint64
	for i, reg := range syscallArgRegs {
		args[i], err = v.vcpu.GetRegister(reg)
		if err != nil {
			return err
		}
	}

	result, err := v.handlers[num](v, args)
	if err != nil {
		return err
	}
	if err := v.vcpu.SetRegister(kvm.RAX, uint64(result)); err != nil {
		return err
	}

	if num == unix.SYS_EXIT_GROUP || num == unix.SYS_EXIT {
		v.exitStatus = int(int32(args[0]))
		v.state = StateExited
	}
	return nil
}

func sysBrk(v *VM, args [6]uint64) (int64, error) {
	newBrk, err := v.heap.Brk(guestPtrOf(args[0]))
	if err != nil {
		return -int64(unix.ENOMEM), nil
	}
	return int64(newBrk), nil
}

func sysMmap(v *VM, args [6]uint64) (int64, error) {
	prot := heap.Prot{
		Write: args[2]&unix.PROT_WRITE != 0,
		Exec:  args[2]&unix.PROT_EXEC != 0,
	}
	flags := heap.Flags{
		Anonymous: args[3]&unix.MAP_ANONYMOUS != 0,
		Fixed:     args[3]&unix.MAP_FIXED != 0,
	}
	p, err := v.heap.Mmap(guestPtrOf(args[0]), args[1], prot, flags, int32(args[4]), args[5])
	if err != nil {
		return -int64(unix.ENOMEM), nil
	}
	return int64(p), nil
}

func sysMunmap(v *VM, args [6]uint64) (int64, error) {
	if err := v.heap.Munmap(guestPtrOf(args[0]), args[1]); err != nil {
		return -int64(unix.EINVAL), nil
	}
	return 0, nil
}

func sysMremap(v *VM, args [6]uint64) (int64, error) {
	fixed := args[3]&unix.MREMAP_FIXED != 0
	p, err := v.heap.Mremap(guestPtrOf(args[0]), args[2], fixed)
	if err != nil {
		return -int64(unix.ENOMEM), nil
	}
	return int64(p), nil
}

// sysExitGroup's actual effect (terminating the run loop) is applied
// by dispatchSyscall after the handler returns, since exit_group is
// the one syscall that gets run-loop semantics rather than a plain
// host-handler callback.
func sysExitGroup(v *VM, args [6]uint64) (int64, error) {
	return 0, nil
}
