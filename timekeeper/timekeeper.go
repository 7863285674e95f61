// Package timekeeper implements the single-worker timer service used
// by the hazard-pointer domain's periodic sweep and by descriptors for
// delayed restarts: one worker goroutine services a min-heap of
// entries ordered by expiry, while "slow" callbacks run on a
// background pool so a long callback never delays other timers.
package timekeeper

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexusrpc/iocore/internal/logging"
)

// ID identifies a scheduled timer. The zero ID is never issued.
type ID uint64

// entry is reference-counted only in the sense that it's kept alive by
// both the heap and (while running) the worker pool job closure; Go's
// GC handles the rest.
type entry struct {
	id        ID
	expiresAt time.Time
	interval  time.Duration
	callback  func(ID)
	slow      bool
	cancelled atomic.Bool
	heapIndex int
}

type timerHeap []*entry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	return h[i].expiresAt.Before(h[j].expiresAt)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}
func (h *timerHeap) Push(x any) {
	e := x.(*entry)
	e.heapIndex = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIndex = -1
	*h = old[:n-1]
	return e
}

// Keeper is a single-worker timer service.
type Keeper struct {
	mu      sync.Mutex
	heap    timerHeap
	entries map[ID]*entry
	nextID  atomic.Uint64

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	pool *workerPool

	stopOnce sync.Once
	logger   logging.Logger
}

// New creates and starts a Keeper. The background pool used for "slow"
// callbacks has poolSize workers; a non-positive poolSize defaults to
// 4 rather than silently disabling the pool.
func New(poolSize int) *Keeper {
	if poolSize <= 0 {
		poolSize = 4
	}
	k := &Keeper{
		entries: make(map[ID]*entry),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		pool:    newWorkerPool(poolSize),
		logger:  logging.NewNoOpLogger(),
	}
	go k.run()
	return k
}

// SetLogger installs a logger used for reporting panics recovered from
// timer callbacks. Not safe to call concurrently with timer firing.
func (k *Keeper) SetLogger(l logging.Logger) {
	if l == nil {
		l = logging.NewNoOpLogger()
	}
	k.logger = l
}

// AddTimer schedules cb to run at `at`, and every `interval` thereafter
// if interval > 0. If slow is true, cb runs on the background pool and
// the next firing is scheduled only after cb returns, so a slow
// callback never causes overlapping executions of itself.
func (k *Keeper) AddTimer(at time.Time, interval time.Duration, cb func(ID), slow bool) ID {
	id := ID(k.nextID.Add(1))
	e := &entry{
		id:        id,
		expiresAt: at,
		interval:  interval,
		callback:  cb,
		slow:      slow,
	}

	k.mu.Lock()
	k.entries[id] = e
	heap.Push(&k.heap, e)
	k.mu.Unlock()

	k.signal()
	return id
}

// KillTimer cancels a scheduled timer. It's safe to call from any
// goroutine and is idempotent. Cancellation is lock-coupled with
// firing: a timer whose callback has already started will still run to
// completion, but it will not be re-inserted afterward.
func (k *Keeper) KillTimer(id ID) {
	k.mu.Lock()
	if e, ok := k.entries[id]; ok {
		e.cancelled.Store(true)
	}
	k.mu.Unlock()
	k.signal()
}

// Stop halts the worker and the background pool. Pending timers are
// dropped without firing. Per the shutdown ordering in the design
// notes, Stop should be called last among the components that share a
// Keeper (e.g. after the hazard-pointer domain and event loop using it
// have already quiesced).
func (k *Keeper) Stop() {
	k.stopOnce.Do(func() {
		close(k.stop)
		<-k.done
		k.pool.close()
	})
}

func (k *Keeper) signal() {
	select {
	case k.wake <- struct{}{}:
	default:
	}
}

func (k *Keeper) run() {
	defer close(k.done)

	for {
		k.mu.Lock()
		for len(k.heap) > 0 && k.heap[0].cancelled.Load() {
			e := heap.Pop(&k.heap).(*entry)
			delete(k.entries, e.id)
		}

		var timer *time.Timer
		if len(k.heap) > 0 {
			d := time.Until(k.heap[0].expiresAt)
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
		}
		k.mu.Unlock()

		if timer == nil {
			select {
			case <-k.stop:
				return
			case <-k.wake:
				continue
			}
		}

		select {
		case <-k.stop:
			timer.Stop()
			return
		case <-k.wake:
			timer.Stop()
			continue
		case <-timer.C:
		}

		k.fireReady()
	}
}

func (k *Keeper) fireReady() {
	now := time.Now()
	for {
		k.mu.Lock()
		if len(k.heap) == 0 || k.heap[0].expiresAt.After(now) {
			k.mu.Unlock()
			return
		}
		e := heap.Pop(&k.heap).(*entry)
		if e.cancelled.Load() {
			delete(k.entries, e.id)
			k.mu.Unlock()
			continue
		}
		k.mu.Unlock()

		if e.slow {
			k.pool.submit(func() { k.runSlow(e) })
		} else {
			k.runFast(e)
		}
	}
}

func (k *Keeper) runFast(e *entry) {
	k.safeCall(e)
	k.reschedule(e)
}

func (k *Keeper) runSlow(e *entry) {
	k.safeCall(e)
	k.reschedule(e)
}

func (k *Keeper) safeCall(e *entry) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(k.logger, "timekeeper", "timer callback panicked", nil, "id", e.id, "panic", r)
		}
	}()
	e.callback(e.id)
}

func (k *Keeper) reschedule(e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if e.cancelled.Load() || e.interval <= 0 {
		delete(k.entries, e.id)
		return
	}
	e.expiresAt = e.expiresAt.Add(e.interval)
	if e.expiresAt.Before(time.Now()) {
		e.expiresAt = time.Now()
	}
	heap.Push(&k.heap, e)
	k.signal()
}
