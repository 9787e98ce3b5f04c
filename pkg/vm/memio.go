package vm

import (
	"encoding/binary"
	"unsafe"

	"github.com/elkvm/elkvm/pkg/guest"
)

// readGuestU64/writeGuestU64 translate a guest-virtual address through
// the pager to a host pointer and read/write one 8-byte word there.
// Used by the hypercall-tag pop and the signal-frame push, the two
// places the dispatcher touches guest memory directly rather than
// through a region's byte slice.
func readGuestU64(pm PageMapper, v guest.Ptr) (uint64, error) {
	h, err := pm.GetHostPointer(v)
	if err != nil {
		return 0, err
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(h))), 8)
	return binary.LittleEndian.Uint64(b), nil
}

func writeGuestU64(pm PageMapper, v guest.Ptr, val uint64) error {
	h, err := pm.GetHostPointer(v)
	if err != nil {
		return err
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(h))), 8)
	binary.LittleEndian.PutUint64(b, val)
	return nil
}

// HostBytes translates the guest-virtual range [ptr, ptr+n) to host
// memory and copies it out, page by page (the pages behind one guest
// buffer need not be host-contiguous). This is the primitive an
// embedder-registered syscall handler calls to dereference a pointer
// argument -- e.g. write(2)'s buf, carried in RSI -- since the
// dispatcher hands handlers raw guest addresses, never host ones.
func (v *VM) HostBytes(ptr guest.Ptr, n uint64) ([]byte, error) {
	out := make([]byte, n)
	err := v.eachHostPage(ptr, n, func(off uint64, page []byte) {
		copy(out[off:], page)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PutHostBytes is HostBytes' write-direction counterpart, for handlers
// that fill a guest-supplied output buffer (read(2), getcwd(2), ...).
func (v *VM) PutHostBytes(ptr guest.Ptr, data []byte) error {
	return v.eachHostPage(ptr, uint64(len(data)), func(off uint64, page []byte) {
		copy(page, data[off:off+uint64(len(page))])
	})
}

// eachHostPage walks the pages backing the guest range [ptr, ptr+n),
// translating each one through the pager and calling fn with the
// range's running byte offset and that page's host-backed slice
// (truncated at both ends to stay within the requested range).
func (v *VM) eachHostPage(ptr guest.Ptr, n uint64, fn func(off uint64, page []byte)) error {
	remaining := n
	off := uint64(0)
	cur := ptr
	for remaining > 0 {
		h, err := v.pager.GetHostPointer(guest.Ptr(guest.PageBegin(uint64(cur))))
		if err != nil {
			return err
		}
		pageOff := guest.PageOffset(uint64(cur))
		chunk := guest.PageSize - pageOff
		if chunk > remaining {
			chunk = remaining
		}
		page := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(h)+uintptr(pageOff))), chunk)
		fn(off, page)
		off += chunk
		remaining -= chunk
		cur = cur.After(chunk)
	}
	return nil
}
