package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenBucketStartsAtBurst(t *testing.T) {
	b := NewTokenBucket(1000, 100, time.Millisecond, false)
	require.Equal(t, int64(1000), b.GetQuota())
}

func TestTokenBucketConsumeClampsAtZeroWithoutOverConsumption(t *testing.T) {
	b := NewTokenBucket(100, 10, time.Hour, false)
	b.ConsumeBytes(150)
	require.Equal(t, int64(0), b.GetQuota())
}

func TestTokenBucketOverConsumptionGoesNegative(t *testing.T) {
	b := NewTokenBucket(100, 10, time.Hour, true)
	b.ConsumeBytes(150)
	require.Equal(t, int64(-50), b.currQuota)
	require.Equal(t, int64(0), b.GetQuota())
}

func TestTokenBucketReplenishesOverTime(t *testing.T) {
	b := NewTokenBucket(1000, 1000, time.Millisecond, false)
	b.ConsumeBytes(1000)
	require.Equal(t, int64(0), b.GetQuota())
	time.Sleep(5 * time.Millisecond)
	require.Greater(t, b.GetQuota(), int64(0))
}

func TestThreadSafeCapsAtBurstLimit(t *testing.T) {
	inner := NewTokenBucket(10000, 10000, time.Millisecond, true)
	ts := NewThreadSafe(inner, 50)
	require.Equal(t, int64(50), ts.GetQuota())
}

func TestLayeredReturnsSmaller(t *testing.T) {
	upper := NewTokenBucket(100, 0, time.Hour, false)
	ours := NewTokenBucket(500, 0, time.Hour, false)
	l := NewLayered(upper, ours)
	require.Equal(t, int64(100), l.GetQuota())
}

func TestLayeredForwardsConsumptionToBoth(t *testing.T) {
	upper := NewTokenBucket(1000, 0, time.Hour, false)
	ours := NewTokenBucket(1000, 0, time.Hour, false)
	l := NewLayered(upper, ours)
	l.ConsumeBytes(300)
	require.Equal(t, int64(700), upper.GetQuota())
	require.Equal(t, int64(700), ours.GetQuota())
}

// TestThreadSafeConcurrentAccessStaysWithinBurst hammers a ThreadSafe
// limiter from many goroutines at once, checking that the mutex
// serialization holds: GetQuota never reports more than burstLimit or
// less than zero, no matter how ConsumeBytes calls interleave.
func TestThreadSafeConcurrentAccessStaysWithinBurst(t *testing.T) {
	const burstLimit = 1000
	inner := NewTokenBucket(1<<30, 1<<20, time.Microsecond, true)
	ts := NewThreadSafe(inner, burstLimit)

	stop := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				q := ts.GetQuota()
				require.GreaterOrEqual(t, q, int64(0))
				require.LessOrEqual(t, q, int64(burstLimit))
				if q > 0 {
					ts.ConsumeBytes(q / int64(n%4+1))
				}
			}
		}(i + 1)
	}

	time.Sleep(200 * time.Millisecond)
	close(stop)
	wg.Wait()
}

func TestUnlimitedNeverRestricts(t *testing.T) {
	var u Unlimited
	require.Greater(t, u.GetQuota(), int64(1<<62))
	u.ConsumeBytes(1 << 40)
	require.Greater(t, u.GetQuota(), int64(1<<62))
}
