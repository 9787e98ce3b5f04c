package pager

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// mmapAnon reserves length bytes of anonymous, shared host memory.
// MAP_SHARED (rather than MAP_PRIVATE) matters here: the pages are
// handed to KVM_SET_USER_MEMORY_REGION, and the kernel requires a
// mapping it can share with the guest rather than copy-on-write.
func mmapAnon(length uint64) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errors.Wrap(err, "pager: mmap")
	}
	return b, nil
}
