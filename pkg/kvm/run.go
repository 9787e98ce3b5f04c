package kvm

import "unsafe"

// runHeader mirrors the fixed-offset prefix of struct kvm_run; the
// remainder of the mmap'd page is the exit-specific union, which we
// decode by hand below rather than modeling every variant as a Go
// struct (mirrors gvisor's own unsafe-pointer decoding of kvm_run in
// pkg/sentry/platform/kvm/bluepill_amd64_unsafe.go).
type runHeader struct {
	RequestInterruptWindow uint8
	ImmediateExit          uint8
	_                      [6]byte
	ExitReason             uint32
	ReadyForInterruptInjection uint8
	IFFlag                 uint8
	Flags                  uint16
	CR8                    uint64
	ApicBase               uint64
}

const runUnionOffset = 32 // the exit union immediately follows the 32-byte runHeader above.

// ioExit decodes the kvm_run.io union (KVM_EXIT_IO).
type ioExit struct {
	Direction uint8 // 0 = in (guest reads), 1 = out (guest writes)
	Size      uint8
	Port      uint16
	Count     uint32
	DataOff   uint64
}

// mmioExit decodes the kvm_run.mmio union (KVM_EXIT_MMIO).
type mmioExit struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
}

// runPage is the mmap'd kvm_run page, interpreted through its header
// and a raw byte view of the exit union.
type runPage struct {
	raw []byte
}

func (p *runPage) header() *runHeader {
	return (*runHeader)(unsafe.Pointer(&p.raw[0]))
}

func (p *runPage) union() []byte {
	return p.raw[runUnionOffset:]
}

func (p *runPage) exitReason() ExitReason {
	return ExitReason(p.header().ExitReason)
}

func (p *runPage) io() *ioExit {
	return (*ioExit)(unsafe.Pointer(&p.union()[0]))
}

func (p *runPage) mmio() *mmioExit {
	return (*mmioExit)(unsafe.Pointer(&p.union()[0]))
}

// ioData returns the data word for an IO (port) exit, located within
// the kvm_run page itself at the union's DataOff (kvm_run.io.data_offset
// is relative to the start of the kvm_run struct).
func (p *runPage) ioData() []byte {
	io := p.io()
	start := io.DataOff
	size := uint64(io.Size) * uint64(io.Count)
	if size == 0 {
		size = uint64(io.Size)
	}
	return p.raw[start : start+size]
}
