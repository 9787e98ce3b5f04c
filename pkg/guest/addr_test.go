package guest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAlign(t *testing.T) {
	require.Equal(t, uint64(0x2000), Align(0x1001, PageSize, true))
	require.Equal(t, uint64(0x1000), Align(0x1001, PageSize, false))
	require.Equal(t, uint64(0x1000), Align(0x1000, PageSize, true))
	require.Equal(t, uint64(0x1000), Align(0x1000, PageSize, false))
}

func TestPageBeginOffset(t *testing.T) {
	require.Equal(t, uint64(0x4000), PageBegin(0x4123))
	require.Equal(t, uint64(0x123), PageOffset(0x4123))
}

func TestPagesFor(t *testing.T) {
	require.Equal(t, uint64(1), PagesFor(1))
	require.Equal(t, uint64(1), PagesFor(PageSize))
	require.Equal(t, uint64(2), PagesFor(PageSize+1))
}

func TestPtrArithmetic(t *testing.T) {
	p := Ptr(0x400000)
	require.True(t, IsAligned(uint64(p)))
	require.Equal(t, Ptr(0x401000), p.After(PageSize))
	require.Equal(t, uint64(PageSize), p.After(PageSize).OffsetFrom(p))
}
