//go:build linux

package stream

import "golang.org/x/sys/unix"

// PlainTCP is the zero-overhead IO adapter: direct non-blocking
// syscalls, no handshake. Handshake reports WantRead with a nil error
// to signal "not applicable" — the one case where a plain TCP adapter
// returns WantRead/WantWrite from something other than ReadSome or
// WriteSome themselves.
type PlainTCP struct{}

func (PlainTCP) ReadSome(fd int, buf []byte) (int, IOStatus, error) {
	n, err := unix.Read(fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, IOWantRead, nil
		}
		return 0, IOError, err
	}
	if n == 0 {
		return 0, IOEndOfStream, nil
	}
	return n, IOSuccess, nil
}

func (PlainTCP) WriteSome(fd int, iovs [][]byte) (int, IOStatus, error) {
	n, err := unix.Writev(fd, iovs)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, IOWantWrite, nil
		}
		return 0, IOError, err
	}
	return n, IOSuccess, nil
}

func (PlainTCP) Handshake(fd int) (IOStatus, error) { return IOWantRead, nil }

func (PlainTCP) Shutdown(fd int) (IOStatus, error) {
	if err := unix.Shutdown(fd, unix.SHUT_WR); err != nil {
		return IOError, err
	}
	return IOSuccess, nil
}
