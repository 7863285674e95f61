package timekeeper

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAddTimerFiresOnce(t *testing.T) {
	k := New(2)
	defer k.Stop()

	var fired atomic.Int32
	done := make(chan struct{})
	k.AddTimer(time.Now().Add(10*time.Millisecond), 0, func(ID) {
		fired.Add(1)
		close(done)
	}, false)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 1, fired.Load())
}

func TestAddTimerIntervalRepeats(t *testing.T) {
	k := New(2)
	defer k.Stop()

	count := make(chan struct{}, 100)
	id := k.AddTimer(time.Now().Add(5*time.Millisecond), 5*time.Millisecond, func(ID) {
		select {
		case count <- struct{}{}:
		default:
		}
	}, false)

	for i := 0; i < 3; i++ {
		select {
		case <-count:
		case <-time.After(time.Second):
			t.Fatal("timer did not repeat")
		}
	}
	k.KillTimer(id)
}

func TestKillTimerPreventsFiring(t *testing.T) {
	k := New(2)
	defer k.Stop()

	var fired atomic.Bool
	id := k.AddTimer(time.Now().Add(50*time.Millisecond), 0, func(ID) {
		fired.Store(true)
	}, false)
	k.KillTimer(id)

	time.Sleep(100 * time.Millisecond)
	require.False(t, fired.Load())
}

func TestSlowCallbackDoesNotBlockOtherTimers(t *testing.T) {
	k := New(2)
	defer k.Stop()

	slowStarted := make(chan struct{})
	slowRelease := make(chan struct{})
	k.AddTimer(time.Now(), 0, func(ID) {
		close(slowStarted)
		<-slowRelease
	}, true)

	<-slowStarted

	fast := make(chan struct{})
	k.AddTimer(time.Now(), 0, func(ID) { close(fast) }, false)

	select {
	case <-fast:
	case <-time.After(time.Second):
		t.Fatal("fast timer blocked behind slow timer")
	}
	close(slowRelease)
}

func TestPanicInCallbackIsRecovered(t *testing.T) {
	k := New(2)
	defer k.Stop()

	after := make(chan struct{})
	k.AddTimer(time.Now(), 0, func(ID) { panic("boom") }, false)
	k.AddTimer(time.Now().Add(10*time.Millisecond), 0, func(ID) { close(after) }, false)

	select {
	case <-after:
	case <-time.After(time.Second):
		t.Fatal("keeper stopped dispatching after a panicking callback")
	}
}
