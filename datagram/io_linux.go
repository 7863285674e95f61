//go:build linux

package datagram

import (
	"net/netip"

	"github.com/nexusrpc/iocore/internal/sockopt"
	"golang.org/x/sys/unix"
)

func isWouldBlock(err error) bool {
	return err == unix.EAGAIN
}

// encodeSockaddr turns a raw unix.Sockaddr (as returned by Recvfrom)
// into the opaque dest representation WritingDatagramList carries.
func encodeSockaddr(sa unix.Sockaddr) []byte {
	ap, err := sockopt.AddrPort(sa)
	if err != nil {
		return nil
	}
	b, _ := ap.MarshalBinary()
	return b
}

// decodeSockaddr reverses encodeSockaddr.
func decodeSockaddr(dest []byte) (unix.Sockaddr, error) {
	var ap netip.AddrPort
	if err := ap.UnmarshalBinary(dest); err != nil {
		return nil, err
	}
	return sockopt.Sockaddr(ap)
}

// UDPIO builds the Recv/Send closures NewTransceiver needs for a plain
// non-blocking UDP socket.
func UDPIO(fd int) (recv func([]byte) (int, []byte, error), send func([]byte, []byte) (int, error)) {
	recv = func(buf []byte) (int, []byte, error) {
		n, from, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			return 0, nil, err
		}
		return n, encodeSockaddr(from), nil
	}
	send = func(dest, data []byte) (int, error) {
		sa, err := decodeSockaddr(dest)
		if err != nil {
			return 0, err
		}
		if err := unix.Sendto(fd, data, 0, sa); err != nil {
			return 0, err
		}
		return len(data), nil
	}
	return recv, send
}

// Endpoint decodes a peer address delivered to OnDatagramArrival or
// stored in a Write call's dest argument, for callers that want a
// structured address rather than the opaque wire bytes.
func Endpoint(peer []byte) (netip.AddrPort, error) {
	var ap netip.AddrPort
	err := ap.UnmarshalBinary(peer)
	return ap, err
}

// EncodeEndpoint is the inverse of Endpoint: it produces the opaque
// dest bytes Write expects from a netip.AddrPort.
func EncodeEndpoint(addr netip.AddrPort) []byte {
	b, _ := addr.MarshalBinary()
	return b
}
