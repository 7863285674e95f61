package seqlock

import "sync/atomic"

// seqCounter is a tiny wrapper so Value's sequence field reads like
// the original's std::atomic<std::size_t> rather than a bare
// atomic.Uint64, and to keep the relaxed-load intent documented at
// the single place it's used.
type seqCounter struct {
	v atomic.Uint64
}

// load is a relaxed load: ordering is provided by the read/write
// barriers surrounding the value copy, not by this load itself.
func (c *seqCounter) load() uint64 {
	return c.v.Load()
}

func (c *seqCounter) store(v uint64) {
	c.v.Store(v)
}
