package hazptr

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/nexusrpc/iocore/barrier"
	"github.com/nexusrpc/iocore/internal/logging"
	"github.com/nexusrpc/iocore/timekeeper"
)

const sweepInterval = 10 * time.Second

// retiredNode chains a retired Object onto a Domain's lock-free
// retired stack. ptr is cached at retire time so the sweep can compare
// against kept pointers without a type assertion back to the concrete
// object type.
type retiredNode struct {
	obj  Object
	ptr  unsafe.Pointer
	next *retiredNode
}

// Domain groups a set of hazard-pointer users. Reclamation cost in one
// domain never affects another; most programs need only the package
// default domain, returned by Default.
//
// Grounded on hazptr_domain.h/.cc: an ever-growing entry list (for
// cheap lock-free traversal), a lock-free retired stack, and a
// periodic sweep driven by a shared timekeeper.Keeper.
type Domain struct {
	entries atomic.Pointer[entry]
	retired atomic.Pointer[retiredNode]

	pool sync.Pool

	keeper  *timekeeper.Keeper
	ownsKpr bool
	timerID timekeeper.ID

	logger logging.Logger

	closeOnce sync.Once
}

// NewDomain creates a Domain. If keeper is nil, the Domain starts and
// owns a private timekeeper.Keeper for its sweep timer, stopped when
// Close is called.
func NewDomain(keeper *timekeeper.Keeper) *Domain {
	d := &Domain{logger: logging.NewNoOpLogger()}
	d.pool.New = func() any { return d.newEntry() }

	if keeper == nil {
		keeper = timekeeper.New(1)
		d.ownsKpr = true
	}
	d.keeper = keeper
	d.timerID = keeper.AddTimer(time.Now().Add(sweepInterval), sweepInterval, func(timekeeper.ID) {
		d.ReclaimBestEffort()
	}, true)

	return d
}

var defaultDomain = sync.OnceValue(func() *Domain { return NewDomain(nil) })

// Default returns the process-wide default Domain, created lazily.
func Default() *Domain { return defaultDomain() }

// SetLogger installs a logger for diagnostic messages from the sweep.
func (d *Domain) SetLogger(l logging.Logger) {
	if l == nil {
		l = logging.NewNoOpLogger()
	}
	d.logger = l
}

// Close stops the sweep timer. If the Domain was constructed with a
// shared Keeper, the Keeper itself is left running. Retired-but-kept
// objects that are still referenced at Close time are never reclaimed.
func (d *Domain) Close() {
	d.closeOnce.Do(func() {
		d.keeper.KillTimer(d.timerID)
		if d.ownsKpr {
			d.keeper.Stop()
		}
	})
}

func (d *Domain) newEntry() *entry {
	e := &entry{}
	for {
		head := d.entries.Load()
		e.next = head
		if d.entries.CompareAndSwap(head, e) {
			return e
		}
	}
}

// acquireEntry returns an inactive entry, preferring the pool (a
// per-P cache, standing in for the thread-local cache the original
// maintains only for its default domain) before falling back to a
// scan of the full entry list and finally to allocating a new one.
func (d *Domain) acquireEntry() *entry {
	if e, ok := d.pool.Get().(*entry); ok {
		if e.tryAcquire() {
			return e
		}
		// Pool handed back something another goroutine raced us for;
		// fall through to the slow path instead of leaking it.
	}
	return d.acquireEntrySlow()
}

func (d *Domain) acquireEntrySlow() *entry {
	for e := d.entries.Load(); e != nil; e = e.next {
		if e.tryAcquire() {
			return e
		}
	}
	e := d.newEntry()
	e.active.Store(true)
	return e
}

func (d *Domain) releaseEntry(e *entry) {
	e.release()
	d.pool.Put(e)
}

// ptrObject constrains a generic type parameter to "pointer to T,
// where *T implements Object" — the standard way to recover a
// pointer's underlying-type guarantee (needed for the unsafe.Pointer
// conversion below) in a function generic over hazard-pointer objects.
type ptrObject[T any] interface {
	*T
	Object
}

// Retire schedules obj for reclamation once no Guard protects its
// address. obj must not be mutated or referenced through the pointer
// that was published to readers after this call.
func Retire[T any, PT ptrObject[T]](d *Domain, obj PT) {
	if !Object(obj).beginRetireOnce() {
		panic("hazptr: object retired twice")
	}
	d.pushRetired(&retiredNode{obj: obj, ptr: unsafe.Pointer(obj)})
	d.ReclaimBestEffort()
}

func (d *Domain) pushRetired(n *retiredNode) {
	for {
		head := d.retired.Load()
		n.next = head
		if d.retired.CompareAndSwap(head, n) {
			return
		}
	}
}

// ReclaimBestEffort walks the retired list once, destroying every
// object not currently kept by any Guard, and re-queues the rest.
// Safe to call concurrently; at most the caller's own batch is
// processed (an atomic Swap removes exactly what's there at the
// time of the call).
func (d *Domain) ReclaimBestEffort() {
	head := d.retired.Swap(nil)
	if head == nil {
		return
	}

	kept := d.keptPointers()

	var stillRetired *retiredNode
	reclaimed := 0
	for head != nil {
		next := head.next
		if _, protected := kept[head.ptr]; protected {
			head.next = stillRetired
			stillRetired = head
		} else {
			head.obj.DestroySelf()
			reclaimed++
		}
		head = next
	}

	if stillRetired != nil {
		// Splice the unreclaimed tail back in front of anything retired
		// concurrently with this sweep.
		tail := stillRetired
		for tail.next != nil {
			tail = tail.next
		}
		for {
			cur := d.retired.Load()
			tail.next = cur
			if d.retired.CompareAndSwap(cur, stillRetired) {
				break
			}
		}
	}

	if reclaimed > 0 {
		logging.Debug(d.logger, "hazptr", "reclaimed retired objects", "count", reclaimed)
	}
}

// keptPointers collects every pointer currently exposed by an active
// entry. The heavy asymmetric barrier here is what makes the light
// barrier on the read side (Guard.tryKeep) sufficient: between the
// fence issued here and the snapshot below, every reader's exposePtr
// store is guaranteed visible.
func (d *Domain) keptPointers() map[unsafe.Pointer]struct{} {
	barrier.AsymmetricBarrierHeavy()

	kept := make(map[unsafe.Pointer]struct{})
	for e := d.entries.Load(); e != nil; e = e.next {
		if p := e.loadPtr(); p != nil {
			kept[p] = struct{}{}
		}
	}
	return kept
}
