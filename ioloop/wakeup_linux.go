//go:build linux

package ioloop

import "golang.org/x/sys/unix"

// wakeFd wraps a Linux eventfd used to break a blocked epoll_wait when
// a task is posted from outside the loop goroutine.
type wakeFd struct {
	fd int
}

func newWakeFd() (*wakeFd, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &wakeFd{fd: fd}, nil
}

// Wake signals the loop. Safe to call from any goroutine, any number
// of times before the loop drains it — eventfd coalesces increments
// into a single counter, which Drain resets to zero in one read.
func (w *wakeFd) Wake() error {
	var buf [8]byte
	buf[7] = 1
	_, err := unix.Write(w.fd, buf[:])
	if err == unix.EAGAIN {
		// Counter is already saturated; a wake is already pending.
		return nil
	}
	return err
}

// Drain resets the eventfd counter to zero.
func (w *wakeFd) Drain() {
	var buf [8]byte
	for {
		if _, err := unix.Read(w.fd, buf[:]); err != nil {
			return
		}
	}
}

func (w *wakeFd) Close() error {
	return unix.Close(w.fd)
}
