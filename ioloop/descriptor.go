package ioloop

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexusrpc/iocore/barrier"
	"github.com/nexusrpc/iocore/timekeeper"
)

// EventAction is returned by Handler callbacks to tell the descriptor
// what to do next.
type EventAction int

const (
	// EventReady means the implementation drained the system buffer;
	// no special action is needed.
	EventReady EventAction = iota
	// EventLeaving means the descriptor called Kill during the
	// callback.
	EventLeaving
	// EventSuppress means the event should stop firing until a
	// matching RestartRead/RestartWrite call.
	EventSuppress
)

// CleanupReason explains why a descriptor was killed.
type CleanupReason int32

const (
	CleanupNone CleanupReason = iota
	CleanupHandshakeFailed
	CleanupDisconnect
	CleanupUserInitiated
	CleanupClosing
	CleanupError
)

func (r CleanupReason) String() string {
	switch r {
	case CleanupHandshakeFailed:
		return "handshake-failed"
	case CleanupDisconnect:
		return "disconnect"
	case CleanupUserInitiated:
		return "user-initiated"
	case CleanupClosing:
		return "closing"
	case CleanupError:
		return "error"
	default:
		return "none"
	}
}

// Handler implements the actual I/O behavior of a descriptor. All
// three event callbacks may be invoked concurrently with each other
// (one goroutine per event class), and must not block for long since
// there is no further concurrency budget to back them.
//
// Grounded on original_source/flare/io/descriptor.h's protected
// virtual callbacks, made explicit here rather than implemented by
// subclassing.
type Handler interface {
	// OnReadable is called when the descriptor is readable. It should
	// drain as much as the implementation wants before returning
	// EventReady, or return EventSuppress to stop further read events
	// until a RestartRead call.
	OnReadable(d *Descriptor) EventAction

	// OnWritable is the write-side analogue of OnReadable.
	OnWritable(d *Descriptor) EventAction

	// OnError is called once, the first time EPOLLERR is observed.
	// Implementations are expected to call d.Kill from here.
	OnError(d *Descriptor, err error)

	// OnCleanup is called exactly once, after the descriptor has been
	// fully detached from its Loop and no further callback is or will
	// be running. It's safe to release everything the descriptor owns
	// from here.
	OnCleanup(d *Descriptor, reason CleanupReason)
}

// Descriptor is a reference-counted (in the Go sense: kept alive by
// whatever still references it — goroutines, the Loop's poller table)
// file descriptor state machine. It tracks in-flight read/write/error
// callback invocations so cleanup can be deferred until every
// in-flight callback has returned, exactly once.
//
// Grounded on original_source/flare/io/descriptor.h/.cc. The explicit
// C++ ref-counting (RefPtr taken inside each detached fiber) has no
// Go equivalent need: a goroutine closure over d keeps it alive for
// Go's GC for exactly as long as the original's RefPtr did, so no
// refcount field exists here at all.
type Descriptor struct {
	fd      int
	handler Handler
	name    string
	loop    *Loop

	readEvents  atomic.Uint64
	writeEvents atomic.Uint64
	errorEvents atomic.Uint64

	cleanupPending atomic.Bool
	cleanupQueued  atomic.Bool
	cleanupReason  atomic.Int32

	restartReadCount  atomic.Int64
	restartWriteCount atomic.Int64

	errorSeen atomic.Bool

	// eventMask and enabled are mutated only from within the Loop's
	// task goroutine, so they need no synchronization beyond that
	// serialization; they're atomics only so FireEvents (which may
	// read eventMask's shadow from the poller) never races a torn read.
	eventMask atomic.Uint32
	enabled   atomic.Bool

	cleanupMu   sync.Mutex
	cleanupCond *sync.Cond
	cleanupDone bool
}

// NewDescriptor creates a descriptor for fd, initially interested in
// the events set in mask. It's not attached to a Loop until passed to
// Loop.Attach.
func NewDescriptor(fd int, mask EventMask, handler Handler, name string) *Descriptor {
	d := &Descriptor{
		fd:      fd,
		handler: handler,
		name:    name,
	}
	d.cleanupCond = sync.NewCond(&d.cleanupMu)
	d.eventMask.Store(uint32(mask))
	if mask&EventRead != 0 {
		d.restartReadCount.Store(1)
	}
	if mask&EventWrite != 0 {
		d.restartWriteCount.Store(1)
	}
	return d
}

// FD returns the underlying file descriptor.
func (d *Descriptor) FD() int { return d.fd }

// Name returns the descriptor's diagnostic name, defaulting to its fd
// number if none was given at construction.
func (d *Descriptor) Name() string {
	if d.name == "" {
		return fmt.Sprintf("fd(%d)", d.fd)
	}
	return d.name
}

// Loop returns the Loop this descriptor is attached to, or nil.
func (d *Descriptor) Loop() *Loop { return d.loop }

func (d *Descriptor) eventMaskValue() EventMask { return EventMask(d.eventMask.Load()) }

// FireEvents dispatches a readiness mask observed by the poller. It's
// called only from the Loop's poller goroutine.
func (d *Descriptor) FireEvents(mask EventMask, polledAt time.Time) {
	if mask&EventError != 0 {
		d.fireErrorEvent(polledAt)
		return
	}
	if mask&EventRead != 0 {
		d.fireReadEvent(polledAt)
	}
	if mask&EventWrite != 0 {
		d.fireWriteEvent(polledAt)
	}
}

func (d *Descriptor) observe(direction Direction, firedAt time.Time) {
	if d.loop != nil {
		d.loop.metrics.ObserveFireToCompletion(direction, time.Since(firedAt))
	}
}

func (d *Descriptor) fireReadEvent(firedAt time.Time) {
	if d.readEvents.Add(1) != 1 {
		// Someone else is already driving OnReadable for us.
		return
	}
	go func() {
		defer d.observe(DirectionRead, firedAt)
		for {
			rc := d.handler.OnReadable(d)
			switch rc {
			case EventReady:
				if d.readEvents.Add(^uint64(0)) == 0 {
					goto done
				}
				continue
			case EventLeaving:
				d.loop.PostTask(func() {
					d.readEvents.Store(0)
					d.queueCleanupCheck()
				})
				goto done
			default: // EventSuppress
				d.suppressReadAndClearReadEventCount()
				goto done
			}
		}
	done:
		d.queueCleanupCheck()
	}()
}

func (d *Descriptor) fireWriteEvent(firedAt time.Time) {
	if d.writeEvents.Add(1) != 1 {
		return
	}
	go func() {
		defer d.observe(DirectionWrite, firedAt)
		for {
			rc := d.handler.OnWritable(d)
			switch rc {
			case EventReady:
				if d.writeEvents.Add(^uint64(0)) == 0 {
					goto done
				}
				continue
			case EventLeaving:
				d.loop.PostTask(func() {
					d.writeEvents.Store(0)
					d.queueCleanupCheck()
				})
				goto done
			default: // EventSuppress
				d.suppressWriteAndClearWriteEventCount()
				goto done
			}
		}
	done:
		d.queueCleanupCheck()
	}()
}

func (d *Descriptor) fireErrorEvent(firedAt time.Time) {
	if d.errorSeen.Swap(true) {
		return
	}
	if d.errorEvents.Add(1) != 1 {
		return
	}
	go func() {
		defer d.observe(DirectionError, firedAt)
		d.handler.OnError(d, d.loop.socketError(d.fd))
		d.errorEvents.Add(^uint64(0))
		d.queueCleanupCheck()
	}()
}

func (d *Descriptor) suppressReadAndClearReadEventCount() {
	d.loop.PostTask(func() {
		d.readEvents.Store(0)
		d.queueCleanupCheck()

		if !d.enabled.Load() {
			return
		}
		reached := d.restartReadCount.Add(-1)
		if reached == 0 {
			d.eventMask.Store(uint32(d.eventMaskValue() &^ EventRead))
			d.loop.rearm(d)
		} else {
			d.FireEvents(EventRead, readMonotonic())
		}
	})
}

func (d *Descriptor) suppressWriteAndClearWriteEventCount() {
	d.loop.PostTask(func() {
		d.writeEvents.Store(0)
		d.queueCleanupCheck()

		if !d.enabled.Load() {
			return
		}
		reached := d.restartWriteCount.Add(-1)
		if reached == 0 {
			d.eventMask.Store(uint32(d.eventMaskValue() &^ EventWrite))
			d.loop.rearm(d)
		} else {
			d.FireEvents(EventWrite, readMonotonic())
		}
	})
}

// RestartRead re-enables read events after a handler returned
// EventSuppress. Safe to call even before OnReadable returns.
func (d *Descriptor) RestartRead() { d.RestartReadIn(0) }

// RestartReadIn is RestartRead with a delay, scheduled on the shared
// timekeeper.
func (d *Descriptor) RestartReadIn(after time.Duration) {
	if after <= 0 {
		d.restartReadNow()
		return
	}
	d.loop.keeper.AddTimer(time.Now().Add(after), 0, func(timekeeper.ID) {
		d.restartReadNow()
	}, false)
}

// RestartWrite is the write-side analogue of RestartRead.
func (d *Descriptor) RestartWrite() { d.RestartWriteIn(0) }

// RestartWriteIn is RestartWrite with a delay.
func (d *Descriptor) RestartWriteIn(after time.Duration) {
	if after <= 0 {
		d.restartWriteNow()
		return
	}
	d.loop.keeper.AddTimer(time.Now().Add(after), 0, func(timekeeper.ID) {
		d.restartWriteNow()
	}, false)
}

func (d *Descriptor) restartReadNow() {
	d.loop.PostTask(func() {
		if !d.enabled.Load() {
			return
		}
		count := d.restartReadCount.Add(1) - 1
		if count == 0 {
			d.eventMask.Store(uint32(d.eventMaskValue() | EventRead))
			d.loop.rearm(d)
		}
	})
}

func (d *Descriptor) restartWriteNow() {
	d.loop.PostTask(func() {
		if !d.enabled.Load() {
			return
		}
		count := d.restartWriteCount.Add(1) - 1
		if count == 0 {
			d.eventMask.Store(uint32(d.eventMaskValue() | EventWrite))
			d.loop.rearm(d)
		}
	})
}

// Kill prevents further events from firing and schedules OnCleanup.
// Only the first call (per descriptor) takes effect.
func (d *Descriptor) Kill(reason CleanupReason) {
	if reason == CleanupNone {
		panic("ioloop: Kill requires a reason")
	}
	if !d.cleanupReason.CompareAndSwap(int32(CleanupNone), int32(reason)) {
		return
	}
	d.loop.PostTask(func() {
		d.loop.disable(d)
		d.cleanupPending.Store(true)
		d.queueCleanupCheck()
	})
}

// WaitForCleanup blocks until OnCleanup has returned. Kill must have
// been called first.
func (d *Descriptor) WaitForCleanup() {
	d.cleanupMu.Lock()
	defer d.cleanupMu.Unlock()
	for !d.cleanupDone {
		d.cleanupCond.Wait()
	}
}

// queueCleanupCheck is QueueCleanupCallbackCheck: once cleanup has
// been requested and every in-flight callback has drained, schedule
// exactly one call to OnCleanup.
func (d *Descriptor) queueCleanupCheck() {
	barrier.MemoryBarrier()

	if !d.cleanupPending.Load() {
		return
	}
	if d.readEvents.Load() != 0 || d.writeEvents.Load() != 0 || d.errorEvents.Load() != 0 {
		return
	}
	if !d.cleanupQueued.CompareAndSwap(false, true) {
		return
	}

	d.loop.PostTask(func() {
		d.loop.detach(d)
		d.handler.OnCleanup(d, CleanupReason(d.cleanupReason.Load()))

		d.cleanupMu.Lock()
		d.cleanupDone = true
		d.cleanupMu.Unlock()
		d.cleanupCond.Broadcast()
	})
}
