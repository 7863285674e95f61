//go:build linux

package acceptor

import (
	"net/netip"
	"testing"
	"time"

	"github.com/nexusrpc/iocore/endpoint"
	"github.com/nexusrpc/iocore/internal/sockopt"
	"github.com/nexusrpc/iocore/ioloop"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type recordingHandler struct {
	conns chan int
}

func (h *recordingHandler) OnConnection(fd int, peer endpoint.Endpoint) {
	h.conns <- fd
}

func TestAcceptorAcceptsConnections(t *testing.T) {
	l, err := ioloop.New(nil)
	require.NoError(t, err)
	go l.Run()
	defer l.Close()

	listenFD, err := sockopt.NewStreamSocket(false)
	require.NoError(t, err)
	defer unix.Close(listenFD)

	require.NoError(t, sockopt.SetReuseAddr(listenFD))
	addr := netip.MustParseAddrPort("127.0.0.1:0")
	require.NoError(t, sockopt.Bind(listenFD, addr))
	require.NoError(t, sockopt.Listen(listenFD, 16))

	sa, err := unix.Getsockname(listenFD)
	require.NoError(t, err)
	boundAddr, err := sockopt.AddrPort(sa)
	require.NoError(t, err)

	h := &recordingHandler{conns: make(chan int, 4)}
	a := New(listenFD, h, nil)
	require.NoError(t, l.Attach(a.Descriptor()))

	clientFD, err := sockopt.NewStreamSocket(false)
	require.NoError(t, err)
	defer unix.Close(clientFD)
	require.NoError(t, sockopt.Connect(clientFD, boundAddr))

	select {
	case fd := <-h.conns:
		require.Greater(t, fd, 0)
		unix.Close(fd)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accepted connection")
	}
}
