package hazptr

import (
	"sync/atomic"
	"unsafe"
)

// entry is one slot in a Domain's hazard-pointer list. Entries are
// never freed once allocated (hazptrs_ in the original is an
// intrusive list that only grows), so a sweep can always walk the
// full list without synchronizing with allocation.
type entry struct {
	ptr    unsafe.Pointer // atomic; the pointer currently protected, or nil
	active atomic.Bool
	next   *entry // set once at creation, immutable thereafter
}

func (e *entry) tryAcquire() bool {
	return e.active.CompareAndSwap(false, true)
}

func (e *entry) release() {
	atomic.StorePointer(&e.ptr, nil)
	e.active.Store(false)
}

func (e *entry) exposePtr(p unsafe.Pointer) {
	atomic.StorePointer(&e.ptr, p)
}

func (e *entry) loadPtr() unsafe.Pointer {
	return atomic.LoadPointer(&e.ptr)
}
