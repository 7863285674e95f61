// Package ioloop implements the epoll-driven event loop at the center
// of iocore: Loop dispatches readiness to Descriptors, which run a
// small reference-counted state machine guaranteeing a descriptor's
// cleanup callback fires exactly once, after every in-flight read,
// write and error callback has returned.
//
// The poller, wakeup and lifecycle-state pieces are epoll/eventfd
// plumbing underneath that guarantee.
package ioloop

import (
	"sync"

	"github.com/nexusrpc/iocore/internal/logging"
	"github.com/nexusrpc/iocore/internal/sockopt"
	"github.com/nexusrpc/iocore/timekeeper"
)

// Loop owns one epoll instance and drives its Descriptors. Mutation of
// loop-owned descriptor state (the event mask, the enabled flag,
// re-arming/unregistering with the poller) happens inside the single
// goroutine running Run, reached either directly (when called from
// within Run) or by posting a task. The one exception is Attach, which
// sets the enabled flag and registers with the poller on the calling
// goroutine.
type Loop struct {
	poller *poller
	wake   *wakeFd
	keeper *timekeeper.Keeper
	ownsKpr bool

	logger  logging.Logger
	metrics Metrics

	taskMu sync.Mutex
	tasks  []func()

	state atomicLoopState

	descMu sync.Mutex
	descs  map[int]*Descriptor

	stopped chan struct{}
}

// New creates a Loop. The Loop is not running until Run is called.
func New(keeper *timekeeper.Keeper, opts ...Option) (*Loop, error) {
	cfg := resolveOptions(opts)

	p, err := newPoller(cfg.maxEvents)
	if err != nil {
		return nil, err
	}
	w, err := newWakeFd()
	if err != nil {
		p.Close()
		return nil, err
	}

	l := &Loop{
		poller:  p,
		wake:    w,
		logger:  cfg.logger,
		metrics: cfg.metrics,
		descs:   make(map[int]*Descriptor),
		stopped: make(chan struct{}),
	}
	if keeper == nil {
		keeper = timekeeper.New(2)
		l.ownsKpr = true
	}
	l.keeper = keeper

	wakeDescriptor := NewDescriptor(w.fd, EventRead, wakeHandler{}, "loop-wake")
	wakeDescriptor.loop = l
	if err := p.Register(w.fd, EventRead, wakeDescriptor); err != nil {
		w.Close()
		p.Close()
		return nil, err
	}

	return l, nil
}

// wakeHandler drains the eventfd on readability; it never suppresses,
// never errors meaningfully, and has nothing to clean up.
type wakeHandler struct{}

func (wakeHandler) OnReadable(d *Descriptor) EventAction {
	d.loop.wake.Drain()
	return EventReady
}
func (wakeHandler) OnWritable(*Descriptor) EventAction           { return EventReady }
func (wakeHandler) OnError(*Descriptor, error)                   {}
func (wakeHandler) OnCleanup(*Descriptor, CleanupReason)         {}

// PostTask schedules fn to run on the loop goroutine. Safe to call
// from any goroutine, including from within a task itself.
func (l *Loop) PostTask(fn func()) {
	l.taskMu.Lock()
	l.tasks = append(l.tasks, fn)
	l.taskMu.Unlock()
	_ = l.wake.Wake()
}

// Barrier blocks until every task posted before this call has run.
func (l *Loop) Barrier() {
	done := make(chan struct{})
	l.PostTask(func() { close(done) })
	<-done
}

// Attach registers fd with the loop via d, starting dispatch of the
// events in d's initial mask.
func (l *Loop) Attach(d *Descriptor) error {
	d.loop = l
	d.enabled.Store(true)

	l.descMu.Lock()
	l.descs[d.fd] = d
	l.descMu.Unlock()

	return l.poller.Register(d.fd, d.eventMaskValue(), d)
}

// rearm pushes a descriptor's current event mask to the poller. Must
// run on the loop goroutine.
func (l *Loop) rearm(d *Descriptor) error {
	return l.poller.Modify(d.fd, d.eventMaskValue())
}

// disable removes a descriptor from poller dispatch without removing
// its bookkeeping entry; called once Kill starts the cleanup sequence.
func (l *Loop) disable(d *Descriptor) {
	d.enabled.Store(false)
	_ = l.poller.Unregister(d.fd)
}

// detach removes a descriptor's bookkeeping entry entirely, once its
// cleanup callback is about to run.
func (l *Loop) detach(d *Descriptor) {
	l.descMu.Lock()
	delete(l.descs, d.fd)
	l.descMu.Unlock()
}

func (l *Loop) socketError(fd int) error {
	return sockopt.PendingError(fd)
}

// Run drives the loop until Stop is called, alternating between
// draining posted tasks and polling with a 50 ms timeout. It returns
// when the loop has fully stopped.
func (l *Loop) Run() error {
	if !l.state.tryTransition(stateIdle, stateRunning) {
		return ErrLoopClosed
	}
	defer close(l.stopped)

	for l.state.load() == stateRunning {
		l.drainTasks()

		if l.state.load() != stateRunning {
			break
		}

		if _, err := l.poller.Poll(50); err != nil && err != ErrPollerClosed {
			logging.Warn(l.logger, "ioloop", "poll error", "err", err.Error())
		}
	}
	return nil
}

func (l *Loop) drainTasks() {
	l.taskMu.Lock()
	pending := l.tasks
	l.tasks = nil
	l.taskMu.Unlock()

	for _, fn := range pending {
		fn()
	}
}

// Stop requests the loop to exit after its current iteration. It does
// not wait for Run to return; call Wait for that.
func (l *Loop) Stop() {
	if l.state.tryTransition(stateRunning, stateStopping) || l.state.tryTransition(stateIdle, stateStopping) {
		l.state.store(stateStopping)
	}
	_ = l.wake.Wake()
}

// Wait blocks until Run has returned.
func (l *Loop) Wait() { <-l.stopped }

// Close stops the loop (if running), waits for it to exit, and
// releases the poller, wake fd, and (if owned) the timekeeper.
func (l *Loop) Close() error {
	wasIdle := l.state.load() == stateIdle
	l.Stop()
	if !wasIdle {
		l.Wait()
	} else {
		l.state.store(stateStopped)
	}

	if l.ownsKpr {
		l.keeper.Stop()
	}
	_ = l.wake.Close()
	return l.poller.Close()
}
