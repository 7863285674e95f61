// Package seqlock provides a seqlock-protected container for publishing
// large, immutable snapshots to many concurrent readers with a single
// writer at a time.
//
// Grounded on original_source/flare/base/experimental/seqlocked.h:
// a writer-locked, even/odd sequence-counted value. Readers never
// block; they retry if they observe the sequence changing (or odd)
// across their copy.
package seqlock

import (
	"sync"

	"github.com/nexusrpc/iocore/barrier"
)

// Value wraps a T with seqlock semantics. T should be trivially
// copyable (plain data, no pointers into value-specific mutable
// state) since Load returns a bare copy taken without synchronizing
// with the copy's internal invariants beyond what seq provides.
//
// The zero Value is ready to use.
type Value[T any] struct {
	writerLock sync.Mutex
	seq        seqCounter
	value      T
}

// NewValue returns a Value initialized to v.
func NewValue[T any](v T) *Value[T] {
	return &Value[T]{value: v}
}

// Load returns a consistent snapshot of the most recently Store-d or
// Update-d value. It never blocks; it spins until it observes a
// stable, even sequence number around its copy.
func (v *Value[T]) Load() T {
	for {
		seq1 := v.seq.load()
		barrier.ReadBarrier()
		value := v.value
		barrier.ReadBarrier()
		seq2 := v.seq.load()
		if seq1 == seq2 && seq1%2 == 0 {
			return value
		}
	}
}

// Store replaces the value under the writer lock.
func (v *Value[T]) Store(value T) {
	v.writerLock.Lock()
	defer v.writerLock.Unlock()

	seq := v.seq.load()
	v.seq.store(seq + 1)
	barrier.WriteBarrier()
	v.value = value
	barrier.WriteBarrier()
	v.seq.store(seq + 2)
}

// Update mutates the value in place via f, under the writer lock. f
// must not retain the pointer it's given beyond the call.
func (v *Value[T]) Update(f func(*T)) {
	v.writerLock.Lock()
	defer v.writerLock.Unlock()

	seq := v.seq.load()
	v.seq.store(seq + 1)
	barrier.WriteBarrier()
	f(&v.value)
	barrier.WriteBarrier()
	v.seq.store(seq + 2)
}
