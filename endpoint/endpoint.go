// Package endpoint provides a small, immutable address-family-tagged
// network endpoint value, used throughout iocore instead of passing
// net.Addr around so descriptors, acceptors and rate limiters can key
// and compare endpoints cheaply.
package endpoint

import (
	"fmt"
	"net"
	"net/netip"
)

// Family identifies the address family an Endpoint carries.
type Family uint8

const (
	// FamilyUnspecified is the zero value; an unspecified Endpoint is
	// not valid for I/O operations.
	FamilyUnspecified Family = iota
	FamilyIPv4
	FamilyIPv6
	FamilyUnix
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	case FamilyUnix:
		return "unix"
	default:
		return "unspecified"
	}
}

// Endpoint is an immutable network address. IPv4/IPv6 endpoints are
// stored inline (netip.AddrPort is a small value type, so these never
// allocate); a Unix domain socket path is heap-allocated since paths
// are unbounded.
type Endpoint struct {
	family Family
	addr   netip.AddrPort
	path   string
}

// FromAddrPort builds an Endpoint from a netip.AddrPort.
func FromAddrPort(ap netip.AddrPort) Endpoint {
	family := FamilyIPv4
	if ap.Addr().Is6() && !ap.Addr().Is4In6() {
		family = FamilyIPv6
	}
	return Endpoint{family: family, addr: ap}
}

// FromUnixPath builds an Endpoint addressing a Unix domain socket.
func FromUnixPath(path string) Endpoint {
	return Endpoint{family: FamilyUnix, path: path}
}

// Parse parses "host:port" (IPv4/IPv6) or, if network == "unix", a
// filesystem path.
func Parse(network, address string) (Endpoint, error) {
	if network == "unix" || network == "unixgram" || network == "unixpacket" {
		return FromUnixPath(address), nil
	}
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint: parse %q: %w", address, err)
	}
	return FromAddrPort(ap), nil
}

// Family reports the endpoint's address family.
func (e Endpoint) Family() Family { return e.family }

// AddrPort returns the IP address and port; valid only when Family is
// FamilyIPv4 or FamilyIPv6.
func (e Endpoint) AddrPort() netip.AddrPort { return e.addr }

// Path returns the Unix domain socket path; valid only when Family is
// FamilyUnix.
func (e Endpoint) Path() string { return e.path }

// IsValid reports whether the endpoint carries an address at all.
func (e Endpoint) IsValid() bool { return e.family != FamilyUnspecified }

// Network returns the network name suitable for passing to net.Dial
// family functions ("tcp4", "tcp6", "unix").
func (e Endpoint) Network() string {
	switch e.family {
	case FamilyIPv4:
		return "tcp4"
	case FamilyIPv6:
		return "tcp6"
	case FamilyUnix:
		return "unix"
	default:
		return ""
	}
}

// String renders the endpoint the way net.Dial expects as its address
// argument.
func (e Endpoint) String() string {
	switch e.family {
	case FamilyIPv4, FamilyIPv6:
		return e.addr.String()
	case FamilyUnix:
		return e.path
	default:
		return "<unspecified>"
	}
}

// SockAddr converts the Endpoint to a net.Addr for interop with
// stdlib/x/sys code paths that need one.
func (e Endpoint) SockAddr() net.Addr {
	switch e.family {
	case FamilyIPv4, FamilyIPv6:
		return net.TCPAddrFromAddrPort(e.addr)
	case FamilyUnix:
		return &net.UnixAddr{Name: e.path, Net: "unix"}
	default:
		return nil
	}
}
