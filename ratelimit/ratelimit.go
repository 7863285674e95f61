// Package ratelimit provides the token-bucket rate limiters stream and
// datagram connections consult before reading or writing.
//
// Grounded on original_source/flare/io/util/rate_limiter.h: the same
// three-type hierarchy (token bucket, thread-safe wrapper, layered
// composition), expressed as a Go interface plus three implementations
// instead of virtual dispatch.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Limiter caps the byte rate of a read or write path. GetQuota returns
// the maximum number of bytes the caller may transfer right now;
// ConsumeBytes reports how many of those bytes were actually used.
// ConsumeBytes may be called any number of times (including zero)
// after a single GetQuota call. Consuming more than the quota granted
// is possible (e.g. several callers of a shared limiter acting on the
// same quota); a TokenBucket created with overConsumptionOK carries the
// excess as a negative balance, otherwise it clamps at zero.
type Limiter interface {
	GetQuota() int64
	ConsumeBytes(consumed int64)
}

// TokenBucket is a single, unsynchronized token-bucket limiter: burst
// bytes available immediately, replenished at perTick bytes every
// tick. It is not safe for concurrent use; wrap it in a ThreadSafe if
// it's shared.
type TokenBucket struct {
	burst               int64
	perTick             int64
	tick                time.Duration
	overConsumptionOK   bool

	lastRefill time.Time
	currQuota  int64
}

// NewTokenBucket creates a token bucket allowing burst bytes
// immediately, replenished at perTick bytes per tick. When
// overConsumptionOK is true, ConsumeBytes is allowed to drive the
// quota negative, borrowing against future replenishment instead of
// clamping at zero — required for any TokenBucket wrapped by a
// ThreadSafe, since concurrent callers may all observe the same quota
// before any of them reports consumption.
func NewTokenBucket(burst, perTick int64, tick time.Duration, overConsumptionOK bool) *TokenBucket {
	if tick <= 0 {
		tick = time.Millisecond
	}
	return &TokenBucket{
		burst:             burst,
		perTick:           perTick,
		tick:              tick,
		overConsumptionOK: overConsumptionOK,
		lastRefill:        time.Now(),
		currQuota:         burst,
	}
}

// GetQuota replenishes the bucket for elapsed ticks, caps it at burst,
// and returns the non-negative amount available.
func (b *TokenBucket) GetQuota() int64 {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill)
	if ticks := int64(elapsed / b.tick); ticks > 0 {
		b.currQuota += ticks * b.perTick
		if b.currQuota > b.burst {
			b.currQuota = b.burst
		}
		b.lastRefill = b.lastRefill.Add(time.Duration(ticks) * b.tick)
	}
	if b.currQuota < 0 {
		if b.overConsumptionOK {
			return 0
		}
		return 0
	}
	return b.currQuota
}

// ConsumeBytes deducts consumed bytes from the bucket. If
// overConsumptionOK is false, the quota is clamped at zero rather
// than going negative.
func (b *TokenBucket) ConsumeBytes(consumed int64) {
	b.currQuota -= consumed
	if b.currQuota < 0 && !b.overConsumptionOK {
		b.currQuota = 0
	}
}

// ThreadSafe serializes access to an inner Limiter with a mutex and
// caps GetQuota at burstLimit. The inner limiter must tolerate
// over-consumption, since callers may call GetQuota repeatedly before
// any of them reports ConsumeBytes back.
type ThreadSafe struct {
	mu         sync.Mutex
	inner      Limiter
	burstLimit int64
}

// NewThreadSafe wraps inner with a mutex, capping GetQuota at
// burstLimit. Pass math.MaxInt64 (or a non-positive value) for no cap
// beyond whatever inner itself imposes.
func NewThreadSafe(inner Limiter, burstLimit int64) *ThreadSafe {
	if burstLimit <= 0 {
		burstLimit = math.MaxInt64
	}
	return &ThreadSafe{inner: inner, burstLimit: burstLimit}
}

func (t *ThreadSafe) GetQuota() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.inner.GetQuota()
	if q > t.burstLimit {
		q = t.burstLimit
	}
	return q
}

func (t *ThreadSafe) ConsumeBytes(consumed int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inner.ConsumeBytes(consumed)
}

// Layered enforces both an upper (typically shared/global) limiter and
// its own, granting the smaller of the two and forwarding consumption
// to both. Used to cap both total and per-connection bandwidth.
type Layered struct {
	upper Limiter
	ours  Limiter
}

// NewLayered composes upper and ours into a single Limiter.
func NewLayered(upper, ours Limiter) *Layered {
	return &Layered{upper: upper, ours: ours}
}

func (l *Layered) GetQuota() int64 {
	u := l.upper.GetQuota()
	o := l.ours.GetQuota()
	if u < o {
		return u
	}
	return o
}

func (l *Layered) ConsumeBytes(consumed int64) {
	l.upper.ConsumeBytes(consumed)
	l.ours.ConsumeBytes(consumed)
}

// Unlimited never restricts throughput; GetQuota returns
// math.MaxInt64 and ConsumeBytes is a no-op. Useful as the default
// connection-local limiter when only a global cap is configured.
type Unlimited struct{}

func (Unlimited) GetQuota() int64       { return math.MaxInt64 }
func (Unlimited) ConsumeBytes(int64) {}
