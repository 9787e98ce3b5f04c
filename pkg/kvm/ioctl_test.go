package kvm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIocDirectionBits(t *testing.T) {
	none := io(nrRun)
	write := iow(nrSetRegs, 8)
	read := ior(nrGetRegs, 8)
	rw := iowr(nrGetMSRs, 8)

	require.Equal(t, uintptr(0), none>>iocDirShift)
	require.Equal(t, uintptr(iocWrite), write>>iocDirShift)
	require.Equal(t, uintptr(iocRead), read>>iocDirShift)
	require.Equal(t, uintptr(iocWrite|iocRead), rw>>iocDirShift)
}

func TestIocNrPreserved(t *testing.T) {
	v := iow(nrSetUserMemoryRegion, sizeOf[userspaceMemoryRegion]())
	nr := (v >> iocNrShift) & ((1 << iocNrBits) - 1)
	require.Equal(t, uintptr(nrSetUserMemoryRegion), nr)
}

func TestRegFieldRoundTrip(t *testing.T) {
	v := &Vcpu{}
	v.setRegField(RAX, 0x1234)
	v.setRegField(RDI, 1)
	v.setRegField(RIP, 0x400000)

	require.Equal(t, uint64(0x1234), v.regField(RAX))
	require.Equal(t, uint64(1), v.regField(RDI))
	require.Equal(t, uint64(0x400000), v.regField(RIP))
}
