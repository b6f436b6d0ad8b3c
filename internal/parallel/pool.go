// Package parallel provides a fork-join worker pool for coarse CPU work
// such as mip-chain generation. Tasks never record or submit GPU commands.
package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Job is the completion counter of one dispatched batch.
type Job struct {
	pending atomic.Int64
	done    chan struct{}
}

func newJob(n int) *Job {
	j := &Job{done: make(chan struct{})}
	j.pending.Store(int64(n))
	if n == 0 {
		close(j.done)
	}
	return j
}

func (j *Job) finish() {
	if j.pending.Add(-1) == 0 {
		close(j.done)
	}
}

// Wait blocks until every task of the batch has run.
func (j *Job) Wait() { <-j.done }

// Done returns a channel closed when the batch completes.
func (j *Job) Done() <-chan struct{} { return j.done }

// Pending returns the number of tasks not yet finished.
func (j *Job) Pending() int { return int(j.pending.Load()) }

// Pool is a fixed set of worker goroutines with per-worker queues.
// Idle workers steal from other queues.
//
// Tasks must not call Run or Wait on the same pool: a full queue would
// deadlock the worker.
//
// Thread Safety: Pool is safe for concurrent use.
type Pool struct {
	workers    int
	workQueues []chan func()
	done       chan struct{}
	wg         sync.WaitGroup
	running    atomic.Bool
	next       atomic.Uint64
	completed  atomic.Uint64
}

// NewPool starts a pool of workers goroutines. If workers is 0 or
// negative, GOMAXPROCS is used.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	queueSize := max(workers*4, 8)

	p := &Pool{
		workers:    workers,
		workQueues: make([]chan func(), workers),
		done:       make(chan struct{}),
	}
	for i := range workers {
		p.workQueues[i] = make(chan func(), queueSize)
	}
	p.running.Store(true)

	p.wg.Add(workers)
	for i := range workers {
		go p.worker(i)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	own := p.workQueues[id]

	for {
		select {
		case <-p.done:
			p.drain(own)
			return
		case task := <-own:
			task()
			continue
		default:
		}

		if task := p.steal(id); task != nil {
			task()
			continue
		}
		select {
		case <-p.done:
			p.drain(own)
			return
		case task := <-own:
			task()
		}
	}
}

func (p *Pool) drain(queue chan func()) {
	for {
		select {
		case task := <-queue:
			task()
		default:
			return
		}
	}
}

func (p *Pool) steal(self int) func() {
	for i := range p.workers {
		if i == self {
			continue
		}
		select {
		case task := <-p.workQueues[i]:
			return task
		default:
		}
	}
	return nil
}

// Dispatch runs fn(0) … fn(n-1) on the workers and returns the batch's
// completion counter without waiting. On a closed pool the tasks run on
// the calling goroutine before Dispatch returns.
func (p *Pool) Dispatch(n int, fn func(i int)) *Job {
	job := newJob(max(n, 0))
	for i := range n {
		task := func() {
			defer job.finish()
			fn(i)
			p.completed.Add(1)
		}
		if !p.enqueue(task) {
			task()
		}
	}
	return job
}

// Run dispatches n tasks and waits for all of them.
func (p *Pool) Run(n int, fn func(i int)) {
	p.Dispatch(n, fn).Wait()
}

// Submit queues a single task. It reports false if the pool is closed and
// the task was not queued.
func (p *Pool) Submit(fn func()) bool {
	if fn == nil {
		return false
	}
	return p.enqueue(func() {
		fn()
		p.completed.Add(1)
	})
}

func (p *Pool) enqueue(task func()) bool {
	if !p.running.Load() {
		return false
	}
	q := p.workQueues[p.next.Add(1)%uint64(p.workers)] //nolint:gosec // workers > 0
	select {
	case q <- task:
		return true
	case <-p.done:
		return false
	}
}

// Close stops accepting tasks, runs every queued task and stops the
// workers. Close is safe to call more than once.
func (p *Pool) Close() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.done)
	p.wg.Wait()
	for _, q := range p.workQueues {
		p.drain(q)
	}
}

// Workers returns the number of worker goroutines.
func (p *Pool) Workers() int { return p.workers }

// IsRunning reports whether the pool accepts tasks.
func (p *Pool) IsRunning() bool { return p.running.Load() }

// QueuedWork returns an approximate count of queued tasks.
func (p *Pool) QueuedWork() int {
	total := 0
	for _, q := range p.workQueues {
		total += len(q)
	}
	return total
}

// Completed returns the total number of tasks run.
func (p *Pool) Completed() uint64 { return p.completed.Load() }
