package hazptr

import "sync/atomic"

// Object is the interface every hazard-pointer-protected type must
// satisfy. Embedding Base gives a type the unexported beginRetireOnce
// method, which is the only way to satisfy this interface — the same
// "must inherit from a base class" requirement the original places on
// HazptrObject, expressed with Go's sealed-interface idiom instead of
// inheritance.
type Object interface {
	// DestroySelf releases whatever resources the object owns. Called
	// by a Domain once no Guard protects it any longer. Implementations
	// must not block.
	DestroySelf()

	beginRetireOnce() bool
}

// Base gives a type hazard-pointer-object semantics when embedded. The
// zero Base is ready to use.
type Base struct {
	retired atomic.Bool
}

// beginRetireOnce returns true the first time it's called for a given
// Base, false on every call after — the double-retire guard the
// original implements via a next_ == this self-pointer check.
func (b *Base) beginRetireOnce() bool {
	return b.retired.CompareAndSwap(false, true)
}
