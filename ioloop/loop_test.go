//go:build linux

package ioloop

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	l, err := New(nil)
	require.NoError(t, err)
	go l.Run()
	t.Cleanup(func() { require.NoError(t, l.Close()) })
	return l
}

type echoHandler struct {
	buf        []byte
	readCount  atomic.Int32
	cleanedUp  chan CleanupReason
}

func newEchoHandler() *echoHandler {
	return &echoHandler{cleanedUp: make(chan CleanupReason, 1)}
}

func (h *echoHandler) OnReadable(d *Descriptor) EventAction {
	h.readCount.Add(1)
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(d.FD(), buf)
		if err != nil {
			if err == unix.EAGAIN {
				return EventReady
			}
			d.Kill(CleanupError)
			return EventLeaving
		}
		if n == 0 {
			d.Kill(CleanupDisconnect)
			return EventLeaving
		}
		unix.Write(d.FD(), buf[:n])
	}
}

func (h *echoHandler) OnWritable(d *Descriptor) EventAction { return EventReady }
func (h *echoHandler) OnError(d *Descriptor, err error)     { d.Kill(CleanupError) }
func (h *echoHandler) OnCleanup(d *Descriptor, reason CleanupReason) {
	h.cleanedUp <- reason
}

func TestLoopEchoesOneConnection(t *testing.T) {
	l := newTestLoop(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	defer unix.Close(fds[1])

	h := newEchoHandler()
	d := NewDescriptor(fds[0], EventRead, h, "echo")
	require.NoError(t, l.Attach(d))

	_, err = unix.Write(fds[1], []byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	deadline := time.Now().Add(2 * time.Second)
	var n int
	for time.Now().Before(deadline) {
		n, err = unix.Read(fds[1], buf)
		if err == nil && n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))

	unix.Close(fds[1])
	select {
	case reason := <-h.cleanedUp:
		require.Equal(t, CleanupDisconnect, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cleanup")
	}
}

func TestLoopBarrierOrdersAgainstPriorTasks(t *testing.T) {
	l := newTestLoop(t)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 10; i++ {
		i := i
		l.PostTask(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	l.Barrier()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 10)
	for i, v := range order {
		require.Equal(t, i, v)
	}
}

// TestDescriptorStateMachineUnderConcurrentChurn hammers a single
// descriptor's RestartRead/RestartWrite/Kill from many goroutines at
// once while real read events keep firing, verifying OnCleanup still
// fires exactly once no matter how the restarts and kills interleave.
func TestDescriptorStateMachineUnderConcurrentChurn(t *testing.T) {
	l := newTestLoop(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	h := newEchoHandler()
	d := NewDescriptor(fds[0], EventRead|EventWrite, h, "churn-test")
	require.NoError(t, l.Attach(d))

	stop := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				d.RestartRead()
				d.RestartWrite()
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			unix.Write(fds[1], []byte("x"))
		}
	}()

	var killers sync.WaitGroup
	for i := 0; i < 8; i++ {
		killers.Add(1)
		go func() {
			defer killers.Done()
			d.Kill(CleanupUserInitiated)
		}()
	}
	killers.Wait()

	close(stop)
	wg.Wait()

	select {
	case reason := <-h.cleanedUp:
		require.Equal(t, CleanupUserInitiated, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cleanup")
	}
	select {
	case <-h.cleanedUp:
		t.Fatal("OnCleanup fired more than once")
	default:
	}
}

func TestDescriptorKillIsIdempotent(t *testing.T) {
	l := newTestLoop(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	h := newEchoHandler()
	d := NewDescriptor(fds[0], EventRead, h, "kill-test")
	require.NoError(t, l.Attach(d))

	d.Kill(CleanupUserInitiated)
	d.Kill(CleanupError)

	select {
	case reason := <-h.cleanedUp:
		require.Equal(t, CleanupUserInitiated, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cleanup")
	}
}
