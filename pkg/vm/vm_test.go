package vm

import (
	"testing"

	"github.com/elkvm/elkvm/pkg/guest"
	"github.com/elkvm/elkvm/pkg/heap"
	"github.com/elkvm/elkvm/pkg/kvm"
	"github.com/elkvm/elkvm/pkg/pager"
	"github.com/elkvm/elkvm/pkg/region"
	"github.com/elkvm/elkvm/pkg/signalq"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeMemoryRegistrar satisfies pager.MemoryRegistrar without a real
// /dev/kvm, exactly as pkg/pager's own tests do.
type fakeMemoryRegistrar struct{}

func (fakeMemoryRegistrar) SetUserMemoryRegion(uint64, uintptr, uint64) error { return nil }

// fakeVcpu satisfies VcpuIface with an in-memory register file, so
// the dispatcher's stack-pop/push and syscall-argument plumbing can
// be exercised without a real vCPU.
type fakeVcpu struct {
	regs   map[kvm.Register]uint64
	cregs  map[kvm.ControlRegister]uint64
	reason kvm.ExitReason
}

func newFakeVcpu() *fakeVcpu {
	return &fakeVcpu{regs: make(map[kvm.Register]uint64), cregs: make(map[kvm.ControlRegister]uint64)}
}

func (f *fakeVcpu) Run() error                       { return nil }
func (f *fakeVcpu) ExitReason() kvm.ExitReason       { return f.reason }
func (f *fakeVcpu) IOExit() (uint16, bool, []byte)   { return 0, false, nil }
func (f *fakeVcpu) GetRegister(r kvm.Register) (uint64, error) {
	return f.regs[r], nil
}
func (f *fakeVcpu) SetRegister(r kvm.Register, v uint64) error {
	f.regs[r] = v
	return nil
}
func (f *fakeVcpu) AllRegs() (kvm.Regs, error) {
	return kvm.Regs{RAX: f.regs[kvm.RAX], RDI: f.regs[kvm.RDI]}, nil
}
func (f *fakeVcpu) SetAllRegs(r kvm.Regs) error {
	f.regs[kvm.RAX] = r.RAX
	f.regs[kvm.RDI] = r.RDI
	return nil
}
func (f *fakeVcpu) GetControlRegister(r kvm.ControlRegister) (uint64, error) {
	return f.cregs[r], nil
}

// newTestVM builds a VM with a real Pager/RegionManager/HeapManager
// (backed by anonymous host mmap, no /dev/kvm involved) and a fake
// vCPU, bypassing New/Boot entirely since those need a real hypervisor.
func newTestVM(t *testing.T) (*VM, *fakeVcpu) {
	p := pager.New(fakeMemoryRegistrar{})
	require.NoError(t, p.Initialize(pager.ModeLongMode))
	regions := region.New(p)
	h := heap.New(regions, p)
	vcpu := newFakeVcpu()

	v := &VM{
		pager:   p,
		regions: regions,
		heap:    h,
		signals: signalq.New(),
		state:   StateIdle,
		vcpu:    vcpu,
	}
	v.installDefaultHandlers()
	return v, vcpu
}

func TestPushPopGuestStackRoundTrip(t *testing.T) {
	v, vcpu := newTestVM(t)

	r, err := v.regions.AllocateRegion(guest.PageSize, region.PurposeStack)
	require.NoError(t, err)
	r.GuestBase = guest.Ptr(0x00007f0000000000)
	require.NoError(t, v.pager.MapRegion(r.HostBase, r.GuestBase, 1, pager.Opts{Write: true}))

	vcpu.regs[kvm.RSP] = uint64(r.GuestBase) + guest.PageSize

	require.NoError(t, v.pushGuestStack(0xdeadbeef))
	require.Equal(t, uint64(r.GuestBase)+guest.PageSize-8, vcpu.regs[kvm.RSP])

	got, err := v.popGuestStack()
	require.NoError(t, err)
	require.Equal(t, uint64(0xdeadbeef), got)
	require.Equal(t, uint64(r.GuestBase)+guest.PageSize, vcpu.regs[kvm.RSP])
}

func TestDispatchSyscallOutOfRangeReturnsENOSYS(t *testing.T) {
	v, vcpu := newTestVM(t)
	vcpu.regs[kvm.RAX] = 99999

	require.NoError(t, v.dispatchSyscall())
	enosys := int64(unix.ENOSYS)
	require.Equal(t, uint64(-enosys), vcpu.regs[kvm.RAX])
}

func TestDispatchSyscallBrk(t *testing.T) {
	v, vcpu := newTestVM(t)

	dataRegion, err := v.regions.AllocateRegion(guest.PageSize, region.PurposeData)
	require.NoError(t, err)
	dataRegion.GuestBase = guest.Ptr(0x0000600000000000)
	require.NoError(t, v.pager.MapRegion(dataRegion.HostBase, dataRegion.GuestBase, 1, pager.Opts{Write: true}))
	v.heap.InitBrk(dataRegion, 100, dataRegion.GuestBase.After(100))

	vcpu.regs[kvm.RAX] = uint64(unix.SYS_BRK)
	vcpu.regs[kvm.RDI] = uint64(dataRegion.GuestBase.After(guest.PageSize))

	require.NoError(t, v.dispatchSyscall())
	require.Equal(t, uint64(dataRegion.GuestBase.After(guest.PageSize)), vcpu.regs[kvm.RAX])
}

func TestRegisteredHandlerReadsGuestBufferViaHostBytes(t *testing.T) {
	v, vcpu := newTestVM(t)

	bufRegion, err := v.regions.AllocateRegion(guest.PageSize, region.PurposeData)
	require.NoError(t, err)
	bufRegion.GuestBase = guest.Ptr(0x0000600000001000)
	require.NoError(t, v.pager.MapRegion(bufRegion.HostBase, bufRegion.GuestBase, 1, pager.Opts{Write: true}))

	var got []byte
	v.RegisterHandler(unix.SYS_WRITE, func(v *VM, args [6]uint64) (int64, error) {
		b, err := v.HostBytes(guestPtrOf(args[1]), args[2])
		if err != nil {
			return 0, err
		}
		got = append([]byte{}, b...)
		return int64(len(b)), nil
	})
	require.NoError(t, v.PutHostBytes(bufRegion.GuestBase, []byte("hi\n")))

	vcpu.regs[kvm.RAX] = uint64(unix.SYS_WRITE)
	vcpu.regs[kvm.RDI] = 1
	vcpu.regs[kvm.RSI] = uint64(bufRegion.GuestBase)
	vcpu.regs[kvm.RDX] = 3

	require.NoError(t, v.dispatchSyscall())
	require.Equal(t, "hi\n", string(got))
	require.Equal(t, uint64(3), vcpu.regs[kvm.RAX])
}

func TestHostBytesSpansMultiplePages(t *testing.T) {
	v, _ := newTestVM(t)

	r, err := v.regions.AllocateRegion(guest.PageSize*2, region.PurposeData)
	require.NoError(t, err)
	r.GuestBase = guest.Ptr(0x0000600000002000)
	require.NoError(t, v.pager.MapRegion(r.HostBase, r.GuestBase, 2, pager.Opts{Write: true}))

	payload := make([]byte, guest.PageSize+8)
	for i := range payload {
		payload[i] = byte(i)
	}
	start := r.GuestBase.After(guest.PageSize - 8)
	require.NoError(t, v.PutHostBytes(start, payload))

	got, err := v.HostBytes(start, uint64(len(payload)))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestDispatchSyscallExitGroupSetsExitedState(t *testing.T) {
	v, vcpu := newTestVM(t)
	vcpu.regs[kvm.RAX] = uint64(unix.SYS_EXIT_GROUP)
	vcpu.regs[kvm.RDI] = 7

	require.NoError(t, v.dispatchSyscall())
	require.Equal(t, StateExited, v.state)
	require.Equal(t, 7, v.exitStatus)
}

func TestHandlePageFaultGrowsStackWithinWindow(t *testing.T) {
	v, _ := newTestVM(t)
	v.stackBottom = guest.Ptr(0x00007f0000001000)

	fault := v.stackBottom - 1
	require.True(t, v.isStackGrowthCandidate(fault))

	require.NoError(t, v.growStack(fault))
	require.Equal(t, guest.Ptr(guest.PageBegin(uint64(fault))), v.stackBottom)
}

func TestHandlePageFaultFatalOutsideWindow(t *testing.T) {
	v, _ := newTestVM(t)
	v.stackBottom = guest.Ptr(0x00007f0000001000)

	farFault := v.stackBottom - 10*guest.PageSize
	require.False(t, v.isStackGrowthCandidate(farFault))
}

func TestRouteInterruptVectorFatalForSSAndGP(t *testing.T) {
	v, _ := newTestVM(t)
	require.ErrorIs(t, v.routeInterruptVector(vecSS), ErrGuestFatal)
	require.ErrorIs(t, v.routeInterruptVector(vecGP), ErrGuestFatal)
}

func TestDeliverPendingSignalNoopWhenQueueEmpty(t *testing.T) {
	v, vcpu := newTestVM(t)

	r, err := v.regions.AllocateRegion(guest.PageSize, region.PurposeStack)
	require.NoError(t, err)
	r.GuestBase = guest.Ptr(0x00007f0000002000)
	require.NoError(t, v.pager.MapRegion(r.HostBase, r.GuestBase, 1, pager.Opts{Write: true}))
	vcpu.regs[kvm.RSP] = uint64(r.GuestBase) + guest.PageSize

	v.SetHandler(int(unix.SIGUSR1), 0x401000)
	v.signals.Start()
	v.signals.Stop() // we only need the queue, not the live goroutine
	// enqueue directly since Stop() already tore down the drain loop
	v.signals = signalq.New()
	v.signals.Start()
	defer v.signals.Stop()

	// Can't synthesize a real OS signal delivery in a unit test;
	// exercise deliverPendingSignal's no-op path instead.
	require.NoError(t, v.deliverPendingSignal())
	require.False(t, v.signals.HandlerActive())
}
