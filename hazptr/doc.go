// Package hazptr implements hazard pointers: a reclamation scheme that
// lets many readers keep a pointer alive across a concurrent Retire,
// with a read-side cost of one atomic store and a light barrier.
//
// Grounded on original_source/flare/base/hazptr/{hazptr,entry,
// hazptr_object,hazptr_domain}.h(.cc). Typical use is a double-buffer:
//
//	type Buffer struct {
//		hazptr.Base
//		// ... data
//	}
//	func (b *Buffer) DestroySelf() { /* free b */ }
//
//	var shared atomic.Pointer[Buffer]
//
//	func reader(domain *hazptr.Domain) {
//		g := domain.Acquire()
//		defer g.Release()
//		p := hazptr.Keep(g, &shared)
//		// p is guaranteed alive until g.Release().
//	}
//
//	func writer(domain *hazptr.Domain) {
//		next := &Buffer{ /* ... */ }
//		old := shared.Swap(next)
//		hazptr.Retire(domain, old)
//	}
package hazptr
