//go:build linux

package sockopt

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestListenAcceptConnectRoundTrip(t *testing.T) {
	lfd, err := NewStreamSocket(false)
	require.NoError(t, err)
	defer unix.Close(lfd)

	require.NoError(t, SetReuseAddr(lfd))
	loopback := netip.MustParseAddr("127.0.0.1")
	require.NoError(t, Bind(lfd, netip.AddrPortFrom(loopback, 0)))
	require.NoError(t, Listen(lfd, 16))

	sa, err := unix.Getsockname(lfd)
	require.NoError(t, err)
	port := sa.(*unix.SockaddrInet4).Port

	cfd, err := NewStreamSocket(false)
	require.NoError(t, err)
	defer unix.Close(cfd)

	target := netip.AddrPortFrom(loopback, uint16(port))
	err = Connect(cfd, target)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, _, acceptErr := Accept4(lfd)
		return acceptErr == nil || acceptErr == unix.EAGAIN
	}, time.Second, time.Millisecond)

	nfd, _, err := Accept4(lfd)
	if err == unix.EAGAIN {
		time.Sleep(10 * time.Millisecond)
		nfd, _, err = Accept4(lfd)
	}
	require.NoError(t, err)
	defer unix.Close(nfd)

	require.NoError(t, SetNoDelay(cfd, true))
	require.NoError(t, PendingError(cfd))
}
