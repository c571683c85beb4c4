package bundler

import "sync"

// workerPool runs per-camera pipeline invocations on a fixed set of
// goroutines. It is the only place the engine parallelizes work; the
// completion continuation of each task re-serializes against the bundler
// mutex.
type workerPool struct {
	tasks chan func()
	wg    sync.WaitGroup
}

func newWorkerPool(workers, queueDepth int) *workerPool {
	p := &workerPool{tasks: make(chan func(), queueDepth)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run()
	}
	return p
}

func (p *workerPool) run() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// trySubmit enqueues a task if queue capacity remains, reporting whether the
// task was accepted. Must not be called after close.
func (p *workerPool) trySubmit(task func()) bool {
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

// close stops accepting tasks and waits for in-flight tasks to drain.
func (p *workerPool) close() {
	close(p.tasks)
	p.wg.Wait()
}
