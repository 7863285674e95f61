package hazptr

import (
	"sync/atomic"
	"unsafe"

	"github.com/nexusrpc/iocore/barrier"
)

// Guard holds a hazard-pointer entry leased from a Domain. It keeps at
// most one pointer alive at a time; Keep-ing a new pointer implicitly
// drops whatever was kept before. A Guard must be Release-d exactly
// once, typically via defer immediately after Acquire.
//
// Grounded on hazptr/hazptr.h's Hazptr class: Acquire/Release here play
// the role of the original's constructor/destructor pair, since Go has
// no destructors.
type Guard struct {
	domain *Domain
	entry  *entry
}

// Acquire leases an entry from the domain. The returned Guard must be
// released with Release.
func (d *Domain) Acquire() *Guard {
	return &Guard{domain: d, entry: d.acquireEntry()}
}

// Release drops whatever pointer is kept and returns the entry to the
// domain. Using the Guard after Release is invalid.
func (g *Guard) Release() {
	if g.entry == nil {
		return
	}
	g.domain.releaseEntry(g.entry)
	g.entry = nil
}

// Clear drops whatever pointer is currently kept without releasing the
// Guard itself; a later Keep may reuse it.
func (g *Guard) Clear() {
	g.entry.exposePtr(nil)
}

// TryKeep attempts to keep the pointer currently in *ptr alive,
// re-validating against src. On success it returns true and *ptr is
// left holding the value kept. On failure — src changed concurrently —
// it clears the guard, stores the new value into *ptr, and returns
// false so the caller can retry.
func TryKeep[T any, PT ptrObject[T]](g *Guard, ptr *PT, src *atomic.Pointer[T]) bool {
	p := *ptr
	g.entry.exposePtr(unsafe.Pointer(p))
	barrier.AsymmetricBarrierLight()
	cur := src.Load()
	if unsafe.Pointer(p) != unsafe.Pointer(cur) {
		g.entry.exposePtr(nil)
		*ptr = cur
		return false
	}
	return true
}

// Keep keeps the pointer currently stored in src alive and returns it.
// Unlike TryKeep, it never fails: it retries internally until src
// stops changing out from under it.
func Keep[T any, PT ptrObject[T]](g *Guard, src *atomic.Pointer[T]) PT {
	var p PT = src.Load()
	for !TryKeep[T, PT](g, &p, src) {
	}
	return p
}
