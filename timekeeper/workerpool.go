package timekeeper

import "sync"

// workerPool runs submitted jobs on a fixed set of goroutines, so a
// slow timer callback can run without blocking the Keeper's single
// dispatch loop or starving other slow callbacks indefinitely.
type workerPool struct {
	jobs chan func()
	wg   sync.WaitGroup
}

func newWorkerPool(size int) *workerPool {
	p := &workerPool{jobs: make(chan func(), size*4)}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				job()
			}
		}()
	}
	return p
}

func (p *workerPool) submit(job func()) {
	p.jobs <- job
}

func (p *workerPool) close() {
	close(p.jobs)
	p.wg.Wait()
}
