package signalq

import (
	"os"

	"golang.org/x/sys/unix"
)

// Number returns the Linux signal number backing s, as the guest ABI
// expects it in RDI when a handler is invoked. os.Signal values
// delivered by the Go runtime on Linux are always unix.Signal under
// the hood, so the assertion never fails in practice; ok is still
// reported so callers don't have to trust that.
func Number(s os.Signal) (int, bool) {
	us, ok := s.(unix.Signal)
	if !ok {
		return 0, false
	}
	return int(us), true
}
