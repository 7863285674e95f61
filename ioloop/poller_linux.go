//go:build linux

package ioloop

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// maxFDs bounds direct-indexed FD lookup. For descriptors at or above
// this (exceedingly rare — it's past the default process FD limit on
// most distributions) Register, Modify and Unregister report
// ErrFDOutOfRange rather than risk silently corrupting an unrelated
// slot.
const maxFDs = 65536

// EventMask is a bitmask of readiness conditions, using epoll's own
// bit values directly so translation to/from unix.EpollEvent is free.
type EventMask uint32

const (
	EventRead  EventMask = unix.EPOLLIN
	EventWrite EventMask = unix.EPOLLOUT
	EventError EventMask = unix.EPOLLERR
	EventHup   EventMask = unix.EPOLLHUP
)

type fdSlot struct {
	descriptor *Descriptor
	mask       EventMask
	active     bool
}

// poller wraps a single epoll instance with direct-indexed FD lookup
// (an O(1) alternative to a map keyed by fd, at the cost of a fixed
// maxFDs ceiling), in place of the map[int]*Descriptor a naive
// translation would reach for.
//
// A version counter invalidates a batch of poll results if the FD
// table changed mid-syscall; dispatch happens inline on the poll
// call's own goroutine rather than via a separate dispatcher.
type poller struct {
	epfd    int
	version atomic.Uint64

	mu  sync.RWMutex
	fds [maxFDs]fdSlot

	eventBuf []unix.EpollEvent
	closed   atomic.Bool
}

// defaultMaxEvents is used when the caller doesn't size the per-Poll
// epoll_wait buffer explicitly.
const defaultMaxEvents = 256

func newPoller(maxEvents int) (*poller, error) {
	if maxEvents <= 0 {
		maxEvents = defaultMaxEvents
	}
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{epfd: fd, eventBuf: make([]unix.EpollEvent, maxEvents)}, nil
}

func (p *poller) Close() error {
	p.closed.Store(true)
	return unix.Close(p.epfd)
}

// Register starts monitoring fd for the events in mask, dispatching
// readiness to d.FireEvents.
func (p *poller) Register(fd int, mask EventMask, d *Descriptor) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if fd < 0 || fd >= maxFDs {
		return ErrFDOutOfRange
	}

	p.mu.Lock()
	if p.fds[fd].active {
		p.mu.Unlock()
		return ErrFDAlreadyRegistered
	}
	p.fds[fd] = fdSlot{descriptor: d, mask: mask, active: true}
	p.version.Add(1)
	p.mu.Unlock()

	ev := &unix.EpollEvent{Events: uint32(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		p.mu.Lock()
		p.fds[fd] = fdSlot{}
		p.mu.Unlock()
		return err
	}
	return nil
}

// Modify changes the monitored event mask for fd.
func (p *poller) Modify(fd int, mask EventMask) error {
	if fd < 0 || fd >= maxFDs {
		return ErrFDOutOfRange
	}

	p.mu.Lock()
	if !p.fds[fd].active {
		p.mu.Unlock()
		return ErrFDNotRegistered
	}
	p.fds[fd].mask = mask
	p.version.Add(1)
	p.mu.Unlock()

	ev := &unix.EpollEvent{Events: uint32(mask), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

// Unregister stops monitoring fd entirely.
func (p *poller) Unregister(fd int) error {
	if fd < 0 || fd >= maxFDs {
		return ErrFDOutOfRange
	}

	p.mu.Lock()
	if !p.fds[fd].active {
		p.mu.Unlock()
		return ErrFDNotRegistered
	}
	p.fds[fd] = fdSlot{}
	p.version.Add(1)
	p.mu.Unlock()

	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Poll waits up to timeoutMs (-1 blocks indefinitely, 0 returns
// immediately) and dispatches any ready descriptors inline, on the
// calling goroutine. It returns the number of descriptors dispatched.
func (p *poller) Poll(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}

	v := p.version.Load()
	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	if p.version.Load() != v {
		// The FD table changed mid-syscall (a concurrent
		// Register/Unregister/Modify); discard this batch rather than
		// risk dispatching to a slot that's since been reused.
		return 0, nil
	}

	p.dispatch(n)
	return n, nil
}

func (p *poller) dispatch(n int) {
	now := readMonotonic()
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		if fd < 0 || fd >= maxFDs {
			continue
		}
		p.mu.RLock()
		slot := p.fds[fd]
		p.mu.RUnlock()

		if slot.active && slot.descriptor != nil {
			slot.descriptor.FireEvents(EventMask(p.eventBuf[i].Events), now)
		}
	}
}
