package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// The Linux ioctl encoding, mirrored from asm-generic/ioctl.h. KVM's
// own ioctl numbers are built from this plus the stable per-command
// "nr" byte documented in linux/kvm.h; computing the full number from
// our own struct sizes (rather than hardcoding the composed hex
// constant) keeps the encoding honest if a struct's layout changes.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	kvmIOType = 0xAE
)

func ioc(dir, nr uintptr, size uintptr) uintptr {
	return (dir << iocDirShift) |
		(kvmIOType << iocTypeShift) |
		(nr << iocNrShift) |
		(size << iocSizeShift)
}

func io(nr uintptr) uintptr                { return ioc(iocNone, nr, 0) }
func iow(nr uintptr, size uintptr) uintptr { return ioc(iocWrite, nr, size) }
func ior(nr uintptr, size uintptr) uintptr { return ioc(iocRead, nr, size) }
func iowr(nr uintptr, size uintptr) uintptr {
	return ioc(iocWrite|iocRead, nr, size)
}

func sizeOf[T any]() uintptr {
	var v T
	return unsafe.Sizeof(v)
}

// ioctl issues a single KVM ioctl against fd, returning the raw return
// value (used by commands like KVM_CHECK_EXTENSION and
// KVM_GET_VCPU_MMAP_SIZE whose result is the return code itself) and
// any error.
func ioctl(fd int, nr uintptr, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), nr, arg)
	if errno != 0 {
		return r, errno
	}
	return r, nil
}
