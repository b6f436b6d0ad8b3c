package command

import (
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/internal/fault"
	"github.com/gogpu/rhi/internal/gpusync"
)

// Role is the logical purpose of a queue. Several roles may share one
// hardware queue.
type Role uint8

// Queue roles.
const (
	RoleGraphics Role = iota
	RoleCompute
	RoleTransfer
	RolePresent
)

// Roles lists every role in order.
var Roles = [...]Role{RoleGraphics, RoleCompute, RoleTransfer, RolePresent}

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleGraphics:
		return "graphics"
	case RoleCompute:
		return "compute"
	case RoleTransfer:
		return "transfer"
	case RolePresent:
		return "present"
	default:
		return fmt.Sprintf("Unknown(%d)", r)
	}
}

// QueueConfig configures a Queue.
type QueueConfig struct {
	// Family is the queue family index. Roles on the same family share a
	// timeline.
	Family uint32

	// SemaphoreTimeout bounds cross-queue semaphore waits.
	// Defaults to DefaultWaitTimeout.
	SemaphoreTimeout time.Duration

	// Diagnostics, if set, returns a memory report attached to the log
	// when the device runs out of memory.
	Diagnostics func() []byte
}

// Queue submits command buffers to a hal.Queue.
//
// Thread Safety: Queue is safe for concurrent use; submissions are serialized.
type Queue struct {
	role     Role
	timeline *gpusync.QueueTimeline
	config   QueueConfig

	mu   sync.Mutex
	last uint64
	subs uint64
}

// NewQueue creates a queue for role submitting through timeline's hal.Queue.
func NewQueue(role Role, timeline *gpusync.QueueTimeline, config QueueConfig) *Queue {
	if config.SemaphoreTimeout <= 0 {
		config.SemaphoreTimeout = DefaultWaitTimeout
	}
	return &Queue{role: role, timeline: timeline, config: config}
}

// Role returns the queue's role.
func (q *Queue) Role() Role { return q.role }

// Family returns the queue family index.
func (q *Queue) Family() uint32 { return q.config.Family }

// Timeline returns the queue's completion timeline.
func (q *Queue) Timeline() *gpusync.QueueTimeline { return q.timeline }

// HAL returns the underlying hal.Queue.
func (q *Queue) HAL() hal.Queue { return q.timeline.Queue() }

// LastSubmitted returns the index of the latest successful submission.
func (q *Queue) LastSubmitted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.last
}

// Submissions returns the number of successful submissions.
func (q *Queue) Submissions() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.subs
}

// Completed returns the highest completed submission index.
func (q *Queue) Completed() uint64 { return q.timeline.Completed() }

// Submit submits an ended buffer, waiting on its semaphores and signaling
// signals once it completes. On success the buffer is Submitted, its fence
// is armed with the returned index and its tracked resources are stamped
// with that index. A driver failure is fatal.
func (q *Queue) Submit(cb *Buffer, signals ...*gpusync.Semaphore) (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateHasEnded {
		return 0, fault.Violation(ErrInvalidState, "Submit of %q in state %s", cb.label, cb.state)
	}
	if cb.fence.Armed() {
		return 0, fault.Violation(ErrFenceNotReset, "Submit of %q with fence still armed at %d",
			cb.label, cb.fence.Index())
	}

	// A rejected submit consumes no signal.
	for _, w := range cb.waits {
		if !w.Semaphore.Pending() {
			return 0, fault.Violation(gpusync.ErrSemaphoreNotSignaled,
				"%q waits on semaphore %q that was never signaled", cb.label, w.Semaphore.Label())
		}
	}
	for _, w := range cb.waits {
		if err := w.Semaphore.Resolve(q.timeline, q.config.SemaphoreTimeout); err != nil {
			if errors.Is(err, gpusync.ErrSemaphoreTimeout) {
				return 0, fault.Fatal(err, "command: semaphore wait failed",
					"queue", q.role, "buffer", cb.label, "stage", w.Stage)
			}
			return 0, err
		}
	}
	for _, w := range cb.waits {
		if err := w.Semaphore.Consume(q.timeline, 0); err != nil {
			return 0, err
		}
	}

	q.mu.Lock()
	index, err := q.timeline.Queue().Submit([]hal.CommandBuffer{cb.cmd})
	if err == nil {
		q.last = index
		q.subs++
	}
	q.mu.Unlock()
	if err != nil {
		return 0, q.deviceFailure(err, cb)
	}

	if err := cb.fence.Arm(index); err != nil {
		return 0, err
	}
	cb.submittedLocked(index)
	for _, s := range signals {
		if err := s.Signal(q.timeline, index); err != nil {
			return index, err
		}
	}

	fault.Logger().Debug("command: submitted",
		"queue", q.role, "buffer", cb.label, "index", index, "signals", len(signals))
	return index, nil
}

func (q *Queue) deviceFailure(err error, cb *Buffer) error {
	attrs := []any{"queue", q.role, "buffer", cb.label}
	if errors.Is(err, hal.ErrDeviceOutOfMemory) && q.config.Diagnostics != nil {
		attrs = append(attrs, "memory", string(q.config.Diagnostics()))
	}
	if errors.Is(err, hal.ErrDeviceLost) {
		err = errors.WithHint(err, "the device must be recreated")
	}
	return fault.Fatal(err, "command: queue submit failed", attrs...)
}
