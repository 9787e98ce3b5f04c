package kvm

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var log = logrus.WithField("pkg", "kvm")

const kvmAPIVersion = 12

// Vm wraps a single hypervisor-VM file descriptor: it creates vCPUs
// and installs the guest-physical memory regions the pager hands it.
// This is the monitor's only consumer of the host's /dev/kvm
// hypervisor interface.
type Vm struct {
	fd int

	vcpuID   int
	memSlot  uint32
	mmapSize int
}

var requiredCapabilities = []struct {
	name   string
	number uintptr
}{
	{"user memory", capUserMemory},
}

// Open creates a new KVM virtual machine, checking the required
// capabilities and caching the per-vCPU mmap size (grounded on novm's
// platform.NewVm in platform/kvm.go).
func Open() (*Vm, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "kvm: opening /dev/kvm")
	}
	defer unix.Close(fd)

	version, err := ioctl(fd, io(nrGetAPIVersion), 0)
	if err != nil {
		return nil, errors.Wrap(err, "kvm: KVM_GET_API_VERSION")
	}
	if version != kvmAPIVersion {
		return nil, ErrAPIVersion
	}

	for _, reqCap := range requiredCapabilities {
		r, err := ioctl(fd, io(nrCheckExtension), reqCap.number)
		if err != nil || r == 0 {
			return nil, &ErrMissingCapability{Name: reqCap.name}
		}
	}

	mmapSize, err := ioctl(fd, io(nrGetVCPUMmapSize), 0)
	if err != nil {
		return nil, errors.Wrap(err, "kvm: KVM_GET_VCPU_MMAP_SIZE")
	}

	vmfd, err := ioctl(fd, io(nrCreateVM), 0)
	if err != nil {
		return nil, errors.Wrap(err, "kvm: KVM_CREATE_VM")
	}

	vm := &Vm{fd: int(vmfd), mmapSize: int(mmapSize)}

	if _, err := ioctl(vm.fd, io(nrCreateIRQChip), 0); err != nil {
		vm.Close()
		return nil, errors.Wrap(err, "kvm: KVM_CREATE_IRQCHIP")
	}

	log.Info("kvm: VM created")
	return vm, nil
}

// Close releases the VM file descriptor.
func (vm *Vm) Close() error {
	return unix.Close(vm.fd)
}

// SetUserMemoryRegion installs a guest-physical memory region backed
// by host memory via KVM_SET_USER_MEMORY_REGION.
func (vm *Vm) SetUserMemoryRegion(guestPhys uint64, hostAddr uintptr, size uint64) error {
	region := userspaceMemoryRegion{
		Slot:          vm.memSlot,
		GuestPhysAddr: guestPhys,
		MemorySize:    size,
		UserspaceAddr: uint64(hostAddr),
	}
	_, err := ioctl(vm.fd, iow(nrSetUserMemoryRegion, sizeOf[userspaceMemoryRegion]()), uintptr(unsafe.Pointer(&region)))
	if err != nil {
		return errors.Wrap(err, "kvm: KVM_SET_USER_MEMORY_REGION")
	}
	vm.memSlot++
	return nil
}

// MmapGuestMemory allocates an anonymous, page-aligned host buffer
// suitable for backing a chunk.
func MmapGuestMemory(size uint64) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "kvm: mmap guest memory")
	}
	return mem, nil
}

// NewVcpu creates a new vCPU, mapping its shared kvm_run page.
func (vm *Vm) NewVcpu() (*Vcpu, error) {
	id := vm.vcpuID
	fd, err := ioctl(vm.fd, io(nrCreateVCPU), uintptr(id))
	if err != nil {
		return nil, errors.Wrap(err, "kvm: KVM_CREATE_VCPU")
	}
	vm.vcpuID++

	mmap, err := unix.Mmap(int(fd), 0, vm.mmapSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(int(fd))
		return nil, errors.Wrap(err, "kvm: mmap kvm_run")
	}

	log.WithField("vcpu", id).Info("kvm: vcpu created")
	return &Vcpu{
		vm:  vm,
		id:  id,
		fd:  int(fd),
		run: &runPage{raw: mmap},
	}, nil
}
