package barrier

import (
	"sync"

	"golang.org/x/sys/unix"
)

// AsymmetricBarrierLight is the cheap side of the asymmetric barrier
// pair: a compiler barrier only. It must always be paired with a call
// to AsymmetricBarrierHeavy on the other side of the race it protects;
// there is no ordering guarantee between two Light calls alone.
func AsymmetricBarrierLight() {
	CompilerBarrier()
}

var (
	dummyPageOnce sync.Once
	dummyPage     []byte
	dummyPageMu   sync.Mutex
)

func dummyPageInit() {
	dummyPageOnce.Do(func() {
		page, err := unix.Mmap(-1, 0, 1, unix.PROT_READ, unix.MAP_PRIVATE|unix.MAP_ANON)
		if err != nil {
			// Leave dummyPage empty: AsymmetricBarrierHeavy then falls
			// back to a plain full fence.
			return
		}
		_ = unix.Mlock(page)
		dummyPage = page
	})
}

// AsymmetricBarrierHeavy forces every core currently running a thread
// of this process to observe a full fence, by toggling page protection
// on a pre-allocated, mlocked page while holding a global mutex.
//
// This is the portable fallback described in the source design: a
// platform with membarrier(2) or an equivalent syscall should prefer
// that instead, but mprotect-based barrier works everywhere mmap does.
// It is deliberately expensive — callers (the hazard-pointer domain's
// sweep) must not call it on a hot path.
func AsymmetricBarrierHeavy() {
	dummyPageInit()

	MemoryBarrier()

	dummyPageMu.Lock()
	defer dummyPageMu.Unlock()

	if len(dummyPage) == 0 {
		// mmap/mlock unavailable on this platform; a full fence is the
		// best we can do.
		MemoryBarrier()
		return
	}

	_ = unix.Mprotect(dummyPage, unix.PROT_READ|unix.PROT_WRITE)
	dummyPage[0] = 0
	_ = unix.Mprotect(dummyPage, unix.PROT_READ)

	MemoryBarrier()
}
