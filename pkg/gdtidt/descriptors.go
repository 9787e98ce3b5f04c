package gdtidt

import "encoding/binary"

// segmentDescriptor builds one flat 8-byte GDT descriptor covering the
// full 32-bit limit (4GiB with G=1); base is always 0 since every
// segment the guest uses is flat in long mode. This mirrors novm's
// build_gdt bit-shift construction one field at a time rather than as
// a packed C struct.
func segmentDescriptor(executable, writable bool, rpl uint8, longMode bool) uint64 {
	const limit = 0xFFFFF // 20 bits, scaled to 4GiB by G=1

	var d uint64
	d |= uint64(limit & 0xFFFF)
	d |= uint64((limit>>16)&0xF) << 48

	var access uint64 = 1 << 4 // S=1: code/data, not a system descriptor
	if writable {
		access |= 1 << 1
	}
	if executable {
		access |= 1 << 3
	}
	access |= uint64(rpl&0x3) << 5
	access |= 1 << 7 // P=1
	d |= access << 40

	var flags uint64 = 1 << 3 // G=1
	if longMode {
		flags |= 1 << 1 // L=1
	} else {
		flags |= 1 << 2 // D/B=1
	}
	d |= flags << 52

	return d
}

func codeDescriptor(rpl uint8) uint64 { return segmentDescriptor(true, true, rpl, true) }
func dataDescriptor(rpl uint8) uint64 { return segmentDescriptor(false, true, rpl, false) }

// tssDescriptorLow and tssDescriptorHigh together form the 16-byte
// system-segment descriptor a 64-bit TSS needs (its base no longer
// fits in one 8-byte slot, unlike a code/data descriptor).
func tssDescriptorLow(base uint64, limit uint32) uint64 {
	const tssType = 0x9 // 64-bit TSS (available)

	var d uint64
	d |= uint64(limit & 0xFFFF)
	d |= (base & 0xFFFFFF) << 16
	d |= uint64(0x80|tssType) << 40 // P=1, DPL=0, type=0x9
	d |= uint64((limit>>16)&0xF) << 48
	d |= ((base >> 24) & 0xFF) << 56
	return d
}

func tssDescriptorHigh(base uint64) uint64 {
	return (base >> 32) & 0xFFFFFFFF
}

// interruptGate builds one 64-bit interrupt-gate IDT entry pointing
// at offset, selected through selector, usable down to ring dpl.
func interruptGate(selector uint16, offset uint64, dpl uint8) [16]byte {
	const gateType = 0xE // 64-bit interrupt gate

	var g [16]byte
	binary.LittleEndian.PutUint16(g[0:], uint16(offset))
	binary.LittleEndian.PutUint16(g[2:], selector)
	g[4] = 0 // IST: use the current stack, not an IST entry
	g[5] = 0x80 | (dpl&0x3)<<5 | gateType
	binary.LittleEndian.PutUint16(g[6:], uint16(offset>>16))
	binary.LittleEndian.PutUint32(g[8:], uint32(offset>>32))
	return g
}
