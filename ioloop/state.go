package ioloop

import "sync/atomic"

// loopState is a Loop's own lifecycle, independent of any Descriptor's
// per-direction state machine: a small atomic-CAS state machine
// guarding valid transitions between idle, running, stopping and
// stopped.
type loopState int32

const (
	stateIdle loopState = iota
	stateRunning
	stateStopping
	stateStopped
)

type atomicLoopState struct {
	v atomic.Int32
}

func (s *atomicLoopState) load() loopState {
	return loopState(s.v.Load())
}

func (s *atomicLoopState) tryTransition(from, to loopState) bool {
	return s.v.CompareAndSwap(int32(from), int32(to))
}

func (s *atomicLoopState) store(to loopState) {
	s.v.Store(int32(to))
}

func (s *atomicLoopState) isTerminal() bool {
	return s.load() == stateStopped
}
