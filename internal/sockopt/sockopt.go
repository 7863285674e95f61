//go:build linux

// Package sockopt wraps the raw socket syscalls iocore's transport
// layer needs: non-blocking stream/datagram/listening socket creation,
// non-blocking connect, and the handful of setsockopt calls a
// production TCP stack always sets.
//
// Mirrors original_source/flare/io/util/socket.h's socket setup
// helpers (non-blocking creation, reuseaddr/reuseport, Nagle
// disabling, buffer sizing) as direct golang.org/x/sys/unix syscalls.
package sockopt

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// NewStreamSocket creates a non-blocking, close-on-exec TCP (or TCP6)
// socket.
func NewStreamSocket(v6 bool) (int, error) {
	domain := unix.AF_INET
	if v6 {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("sockopt: socket: %w", err)
	}
	return fd, nil
}

// NewDatagramSocket creates a non-blocking, close-on-exec UDP (or UDP6)
// socket.
func NewDatagramSocket(v6 bool) (int, error) {
	domain := unix.AF_INET
	if v6 {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		return -1, fmt.Errorf("sockopt: socket: %w", err)
	}
	return fd, nil
}

// SetNonblocking marks fd as non-blocking.
func SetNonblocking(fd int) error {
	return unix.SetNonblock(fd, true)
}

// SetReuseAddr sets SO_REUSEADDR, standard for listening sockets that
// should survive a quick restart without TIME_WAIT refusal.
func SetReuseAddr(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

// SetReusePort sets SO_REUSEPORT, allowing multiple acceptors to share
// a listening port with kernel-side load balancing.
func SetReusePort(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}

// SetNoDelay toggles TCP_NODELAY (disabling Nagle's algorithm), which
// the stream connection layer always wants for latency-sensitive RPC
// traffic.
func SetNoDelay(fd int, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v)
}

// SetSendBufferSize sets SO_SNDBUF.
func SetSendBufferSize(fd, bytes int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, bytes)
}

// SetRecvBufferSize sets SO_RCVBUF.
func SetRecvBufferSize(fd, bytes int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, bytes)
}

// PendingError retrieves and clears SO_ERROR, the mechanism for
// discovering whether a non-blocking connect succeeded once the
// descriptor becomes writable.
func PendingError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("sockopt: getsockopt SO_ERROR: %w", err)
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// Bind binds fd to addr.
func Bind(fd int, addr netip.AddrPort) error {
	sa, err := sockaddr(addr)
	if err != nil {
		return err
	}
	return unix.Bind(fd, sa)
}

// Connect starts a non-blocking connect. A return of unix.EINPROGRESS
// is not an error: the caller should watch fd for writability and then
// call PendingError.
func Connect(fd int, addr netip.AddrPort) error {
	sa, err := sockaddr(addr)
	if err != nil {
		return err
	}
	err = unix.Connect(fd, sa)
	if err == unix.EINPROGRESS {
		return nil
	}
	return err
}

// Listen marks fd as a listening socket with the given backlog.
func Listen(fd, backlog int) error {
	return unix.Listen(fd, backlog)
}

// Accept4 accepts a connection, returning a non-blocking, close-on-exec
// client descriptor and its remote address.
func Accept4(fd int) (int, netip.AddrPort, error) {
	nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, netip.AddrPort{}, err
	}
	ap, err := addrPort(sa)
	if err != nil {
		unix.Close(nfd)
		return -1, netip.AddrPort{}, err
	}
	return nfd, ap, nil
}

// Sockaddr converts addr to the unix.Sockaddr form syscalls need.
// Exported for callers (e.g. the datagram package) that must build
// their own sockaddrs outside the Bind/Connect/Accept4 helpers above.
func Sockaddr(addr netip.AddrPort) (unix.Sockaddr, error) { return sockaddr(addr) }

// AddrPort converts a unix.Sockaddr (as returned by Recvfrom) back to
// a netip.AddrPort.
func AddrPort(sa unix.Sockaddr) (netip.AddrPort, error) { return addrPort(sa) }

func sockaddr(addr netip.AddrPort) (unix.Sockaddr, error) {
	ip := addr.Addr()
	if ip.Is4() || ip.Is4In6() {
		a4 := ip.As4()
		return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: a4}, nil
	}
	if ip.Is6() {
		a16 := ip.As16()
		return &unix.SockaddrInet6{Port: int(addr.Port()), Addr: a16}, nil
	}
	return nil, fmt.Errorf("sockopt: unsupported address %s", addr)
}

func addrPort(sa unix.Sockaddr) (netip.AddrPort, error) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port)), nil
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(v.Addr), uint16(v.Port)), nil
	default:
		return netip.AddrPort{}, fmt.Errorf("sockopt: unsupported sockaddr %T", sa)
	}
}
