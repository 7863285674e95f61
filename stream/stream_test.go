//go:build linux

package stream

import (
	"bytes"
	"testing"
	"time"

	"github.com/nexusrpc/iocore/ioloop"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type echoHandler struct {
	conn    *Conn
	closed  chan struct{}
	written chan any
}

func newEchoHandler() *echoHandler {
	return &echoHandler{closed: make(chan struct{}, 1), written: make(chan any, 8)}
}

func (h *echoHandler) OnAttach(c *Conn) { h.conn = c }
func (h *echoHandler) OnDetach()        {}
func (h *echoHandler) OnDataArrival(buf *bytes.Buffer) DataStatus {
	data := append([]byte(nil), buf.Bytes()...)
	buf.Reset()
	h.conn.Write(data, nil)
	return DataReady
}
func (h *echoHandler) OnWriteBufferEmpty()     {}
func (h *echoHandler) OnDataWritten(ctx any)   { h.written <- ctx }
func (h *echoHandler) OnClose()                { h.closed <- struct{}{} }
func (h *echoHandler) OnError()                { h.closed <- struct{}{} }

func newLoop(t *testing.T) *ioloop.Loop {
	t.Helper()
	l, err := ioloop.New(nil)
	require.NoError(t, err)
	go l.Run()
	t.Cleanup(func() { require.NoError(t, l.Close()) })
	return l
}

func TestConnEchoesData(t *testing.T) {
	l := newLoop(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	defer unix.Close(fds[1])

	h := newEchoHandler()
	c := NewConn(fds[0], h, Options{})
	require.NoError(t, l.Attach(c.Descriptor()))
	c.StartHandshaking()

	_, err = unix.Write(fds[1], []byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	deadline := time.Now().Add(2 * time.Second)
	var n int
	for time.Now().Before(deadline) {
		n, err = unix.Read(fds[1], buf)
		if err == nil && n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))

	unix.Close(fds[1])
	select {
	case <-h.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close")
	}
}

// suppressingHandler always returns DataSuppressRead without consuming
// any bytes from the read buffer, and asks for one more read pass the
// first time it's invoked, so a second batch of bytes piles up behind
// the first and pushes the buffer over its configured limit.
type suppressingHandler struct {
	conn      *Conn
	restarted bool
	errored   chan struct{}
}

func newSuppressingHandler() *suppressingHandler {
	return &suppressingHandler{errored: make(chan struct{}, 1)}
}

func (h *suppressingHandler) OnAttach(c *Conn) { h.conn = c }
func (h *suppressingHandler) OnDetach()        {}
func (h *suppressingHandler) OnDataArrival(buf *bytes.Buffer) DataStatus {
	if !h.restarted {
		h.restarted = true
		h.conn.RestartRead()
	}
	return DataSuppressRead
}
func (h *suppressingHandler) OnWriteBufferEmpty() {}
func (h *suppressingHandler) OnDataWritten(ctx any) {}
func (h *suppressingHandler) OnClose()            { h.errored <- struct{}{} }
func (h *suppressingHandler) OnError()            { h.errored <- struct{}{} }

// TestConnKillsConnectionWhenReadBufferOverflows exercises the
// backpressure scenario where a handler suppresses reads without
// consuming the buffer: the connection must still be torn down once
// unconsumed bytes exceed ReadBufferSize, rather than growing it
// without bound.
func TestConnKillsConnectionWhenReadBufferOverflows(t *testing.T) {
	l := newLoop(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	defer unix.Close(fds[1])

	h := newSuppressingHandler()
	c := NewConn(fds[0], h, Options{ReadBufferSize: 4})
	require.NoError(t, l.Attach(c.Descriptor()))
	c.StartHandshaking()

	_, err = unix.Write(fds[1], []byte("hello"))
	require.NoError(t, err)

	select {
	case <-h.errored:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for overflow to kill the connection")
	}
}

func TestConnWriteReportsCompletionInOrder(t *testing.T) {
	l := newLoop(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	h := newEchoHandler()
	c := NewConn(fds[0], h, Options{})
	require.NoError(t, l.Attach(c.Descriptor()))
	c.StartHandshaking()

	require.True(t, c.Write([]byte("a"), "ctx1"))
	require.True(t, c.Write([]byte("b"), "ctx2"))

	for _, want := range []any{"ctx1", "ctx2"} {
		select {
		case got := <-h.written:
			require.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for write completion")
		}
	}

	buf := make([]byte, 4)
	deadline := time.Now().Add(2 * time.Second)
	var n int
	for time.Now().Before(deadline) {
		n, err = unix.Read(fds[1], buf)
		if err == nil && n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, err)
	require.Equal(t, "ab", string(buf[:n]))
}
