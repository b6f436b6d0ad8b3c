// Package deletion defers destruction of GPU objects until the GPU has
// finished every submission that could still reference them.
//
// Every object carries the epoch (queue submission index) of its last use.
// Releasing the object enqueues its destroy callback tagged with that epoch;
// Collect runs the callbacks whose epoch has completed. Epoch 0 means the
// object was never used by the GPU and is destroyed on the next Collect.
//
// Lifecycle:
//
//	q := deletion.New()
//	q.Defer(lastUse, "vertex buffer", func() { dev.DestroyBuffer(buf) })
//	...
//	q.Collect(queue.PollCompleted()) // once per frame
//	...
//	dev.WaitIdle()
//	q.Flush() // shutdown
package deletion

import (
	"slices"
	"sync"

	"github.com/gogpu/rhi/internal/fault"
)

type entry struct {
	epoch uint64
	label string
	fn    func()
}

// Queue holds pending destructions ordered by epoch.
//
// Thread Safety: Queue is safe for concurrent use. Callbacks run outside
// the lock and may call Defer.
type Queue struct {
	mu      sync.Mutex
	pending []entry
	done    uint64
}

// New creates an empty deletion queue.
func New() *Queue {
	return &Queue{}
}

// Defer schedules fn to run once the GPU has completed epoch.
func (q *Queue) Defer(epoch uint64, label string, fn func()) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	q.pending = append(q.pending, entry{epoch: epoch, label: label, fn: fn})
	q.mu.Unlock()
}

// Collect runs, in epoch order, every callback whose epoch is at or below
// completed. Returns the number of callbacks run.
func (q *Queue) Collect(completed uint64) int {
	q.mu.Lock()
	var ready []entry
	n := 0
	for _, e := range q.pending {
		if e.epoch <= completed {
			ready = append(ready, e)
		} else {
			q.pending[n] = e
			n++
		}
	}
	clear(q.pending[n:])
	q.pending = q.pending[:n]
	q.mu.Unlock()

	return q.run(ready, completed)
}

// Flush runs every pending callback regardless of epoch. Call it only after
// the device is idle.
func (q *Queue) Flush() int {
	q.mu.Lock()
	ready := q.pending
	q.pending = nil
	q.mu.Unlock()

	return q.run(ready, ^uint64(0))
}

// Len returns the number of pending callbacks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Destroyed returns the total number of callbacks run so far.
func (q *Queue) Destroyed() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.done
}

func (q *Queue) run(ready []entry, completed uint64) int {
	if len(ready) == 0 {
		return 0
	}
	slices.SortStableFunc(ready, func(a, b entry) int {
		switch {
		case a.epoch < b.epoch:
			return -1
		case a.epoch > b.epoch:
			return 1
		}
		return 0
	})
	for _, e := range ready {
		e.fn()
	}

	q.mu.Lock()
	q.done += uint64(len(ready))
	q.mu.Unlock()

	fault.Logger().Debug("deferred destroy",
		"count", len(ready),
		"completed", completed,
		"first", ready[0].label)
	return len(ready)
}
