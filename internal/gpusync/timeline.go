// Package gpusync provides the CPU-GPU and GPU-GPU synchronization primitives
// used by command submission.
//
// Both primitives are expressed against a [Timeline]: the monotonically
// increasing submission index a hal.Queue reports as completed. A [Fence]
// is armed with the index of the submission it guards; a [Semaphore] records
// the timeline and index of the submission that signals it.
package gpusync

import (
	"sync/atomic"
	"time"

	"github.com/gogpu/wgpu/hal"
)

// Timeline reports the highest completed submission index of a queue.
type Timeline interface {
	Completed() uint64
}

// QueueTimeline adapts a hal.Queue to Timeline. Several logical queues
// sharing one hal.Queue must share one QueueTimeline so that waits between
// them resolve by program order.
type QueueTimeline struct {
	queue hal.Queue
	last  atomic.Uint64
}

// NewQueueTimeline creates a timeline for queue.
func NewQueueTimeline(queue hal.Queue) *QueueTimeline {
	return &QueueTimeline{queue: queue}
}

// Queue returns the underlying hal.Queue.
func (t *QueueTimeline) Queue() hal.Queue { return t.queue }

// Completed polls the queue. The result never decreases.
func (t *QueueTimeline) Completed() uint64 {
	v := t.queue.PollCompleted()
	for {
		last := t.last.Load()
		if v <= last {
			return last
		}
		if t.last.CompareAndSwap(last, v) {
			return v
		}
	}
}

// Backoff bounds for polling waits.
const (
	minPollInterval = 50 * time.Microsecond
	maxPollInterval = 2 * time.Millisecond
)

// WaitFor polls tl until it reaches index or timeout elapses. A zero or
// negative timeout polls exactly once.
func WaitFor(tl Timeline, index uint64, timeout time.Duration) bool {
	if tl.Completed() >= index {
		return true
	}
	if timeout <= 0 {
		return false
	}
	deadline := time.Now().Add(timeout)
	interval := minPollInterval
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return tl.Completed() >= index
		}
		time.Sleep(min(interval, remaining))
		if tl.Completed() >= index {
			return true
		}
		interval = min(interval*2, maxPollInterval)
	}
}
