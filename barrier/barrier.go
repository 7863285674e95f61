// Package barrier provides the memory-ordering primitives the rest of
// iocore builds on: a compiler-only barrier, ordinary read/write/full
// fences, and an asymmetric barrier pair used by the hazard-pointer
// read path.
//
// Go's memory model does not expose a "compiler barrier" the way C++
// does, and the runtime's own atomics already emit whatever hardware
// fence the platform needs for acquire/release semantics. ReadBarrier,
// WriteBarrier, and MemoryBarrier exist here purely to keep the call
// sites in hazptr and seqlock textually faithful to the algorithm they
// implement (and to give a single place to tighten things up if a
// future target needs more than sync/atomic provides); on every
// platform Go currently supports, sync/atomic's acquire/release loads
// and stores already do the work these calls perform.
package barrier

import "sync/atomic"

// CompilerBarrier prevents the Go compiler from reordering surrounding
// code across this call. It generates no instructions.
//
//go:noinline
func CompilerBarrier() {}

// ReadBarrier prevents reordering of reads across this call.
func ReadBarrier() {
	atomic.LoadUint32(&fence)
}

// WriteBarrier prevents reordering of writes across this call.
func WriteBarrier() {
	atomic.AddUint32(&fence, 0)
}

// MemoryBarrier issues a full fence: no read or write may cross it in
// either direction.
func MemoryBarrier() {
	atomic.AddUint32(&fence, 0)
}

var fence uint32
