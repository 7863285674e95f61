package hazptr

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testBuffer struct {
	Base
	generation int64
	destroyed  atomic.Bool
}

func (b *testBuffer) DestroySelf() {
	b.destroyed.Store(true)
}

func TestKeepReturnsCurrentValue(t *testing.T) {
	d := NewDomain(nil)
	defer d.Close()

	var src atomic.Pointer[testBuffer]
	src.Store(&testBuffer{generation: 1})

	g := d.Acquire()
	defer g.Release()

	p := Keep[testBuffer](g, &src)
	require.EqualValues(t, 1, p.generation)
}

func TestRetireDestroysOnceUnreferenced(t *testing.T) {
	d := NewDomain(nil)
	defer d.Close()

	var src atomic.Pointer[testBuffer]
	old := &testBuffer{generation: 1}
	src.Store(old)

	src.Store(&testBuffer{generation: 2})
	Retire[testBuffer](d, old)

	require.Eventually(t, func() bool { return old.destroyed.Load() }, time.Second, time.Millisecond)
}

func TestRetireDeferredWhileKept(t *testing.T) {
	d := NewDomain(nil)
	defer d.Close()

	var src atomic.Pointer[testBuffer]
	old := &testBuffer{generation: 1}
	src.Store(old)

	g := d.Acquire()
	kept := Keep[testBuffer](g, &src)
	require.Same(t, old, kept)

	src.Store(&testBuffer{generation: 2})
	Retire[testBuffer](d, old)

	time.Sleep(20 * time.Millisecond)
	require.False(t, old.destroyed.Load(), "retired object destroyed while still kept")

	g.Release()
	d.ReclaimBestEffort()
	require.Eventually(t, func() bool { return old.destroyed.Load() }, time.Second, time.Millisecond)
}

func TestDoubleRetirePanics(t *testing.T) {
	d := NewDomain(nil)
	defer d.Close()

	obj := &testBuffer{}
	Retire[testBuffer](d, obj)

	require.Panics(t, func() { Retire[testBuffer](d, obj) })
}

// TestConcurrentReadersSurviveWriterChurn double-buffers a value behind
// many readers while a single writer repeatedly swaps and retires,
// verifying no reader ever observes a torn/destroyed object during its
// Keep scope.
func TestConcurrentReadersSurviveWriterChurn(t *testing.T) {
	d := NewDomain(nil)
	defer d.Close()

	var src atomic.Pointer[testBuffer]
	src.Store(&testBuffer{generation: 0})

	stop := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g := d.Acquire()
			defer g.Release()
			for {
				select {
				case <-stop:
					return
				default:
				}
				p := Keep[testBuffer](g, &src)
				require.False(t, p.destroyed.Load())
				_ = p.generation
				g.Clear()
			}
		}()
	}

	var mu sync.Mutex
	for i := 0; i < 500; i++ {
		next := &testBuffer{generation: int64(i + 1)}
		mu.Lock()
		old := src.Swap(next)
		Retire[testBuffer](d, old)
		mu.Unlock()
	}

	close(stop)
	wg.Wait()
}
