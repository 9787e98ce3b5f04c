package signalq

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestPopReturnsOldestFirst(t *testing.T) {
	q := New()
	_, ok := q.Pop()
	require.False(t, ok)

	q.enqueue(unix.SIGUSR1)
	q.enqueue(unix.SIGUSR2)
	require.Equal(t, 2, q.Len())

	s1, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, unix.SIGUSR1, s1)

	s2, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, unix.SIGUSR2, s2)

	_, ok = q.Pop()
	require.False(t, ok)
}

func TestHandlerActiveFlag(t *testing.T) {
	q := New()
	require.False(t, q.HandlerActive())
	q.SetHandlerActive(true)
	require.True(t, q.HandlerActive())
	q.SetHandlerActive(false)
	require.False(t, q.HandlerActive())
}

func TestNumberExtractsLinuxSignalNumber(t *testing.T) {
	n, ok := Number(unix.SIGINT)
	require.True(t, ok)
	require.Equal(t, int(unix.SIGINT), n)
}
