//go:build linux

package ioloop

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketPair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestWritingBufferListAppendReportsEmpty(t *testing.T) {
	var l WritingBufferList
	require.True(t, l.Append([]byte("a"), 1))
	require.False(t, l.Append([]byte("b"), 2))
}

func TestWritingBufferListDrainDeliversContextsInOrder(t *testing.T) {
	a, b := socketPair(t)

	var l WritingBufferList
	l.Append([]byte("hello"), "first")
	l.Append([]byte("world"), "second")

	res, err := l.Drain(func(iovs [][]byte) (int, error) {
		n, werr := unix.Writev(a, iovs)
		if werr == unix.EAGAIN {
			return 0, nil
		}
		return n, werr
	}, 0)
	require.NoError(t, err)
	require.True(t, res.Empty)
	require.Equal(t, []any{"first", "second"}, res.Completed)
	require.Equal(t, 10, res.BytesWritten)

	buf := make([]byte, 10)
	n, err := unix.Read(b, buf)
	require.NoError(t, err)
	require.Equal(t, "helloworld", string(buf[:n]))
}

func TestWritingDatagramListPopAndRequeue(t *testing.T) {
	var l WritingDatagramList
	l.Append([]byte("dest1"), []byte("payload1"), "ctx1")

	dest, data, ctx, ok := l.Pop()
	require.True(t, ok)
	require.Equal(t, "ctx1", ctx)

	l.Requeue(dest, data, ctx)
	require.False(t, l.Empty())

	_, _, ctx2, ok := l.Pop()
	require.True(t, ok)
	require.Equal(t, "ctx1", ctx2)
	require.True(t, l.Empty())
}
