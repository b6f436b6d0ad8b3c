package gpusync

import (
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/rhi/internal/fault"
)

// Fence errors.
var (
	// ErrFenceArmed is returned when arming a fence whose previous
	// submission has not been reset.
	ErrFenceArmed = errors.New("gpusync: fence already armed")
)

// Fence guards one submission of a command buffer.
//
// A fence starts unsignaled and unarmed. Submit arms it with the submission
// index; it reads signaled once the queue timeline reaches that index. Reset
// returns it to the unarmed state for the next recording. A fence is never
// signaled while unarmed.
//
// Thread Safety: Fence is safe for concurrent use.
type Fence struct {
	timeline Timeline
	label    string
	index    atomic.Uint64
}

// NewFence creates an unsignaled fence on timeline.
func NewFence(timeline Timeline, label string) *Fence {
	return &Fence{timeline: timeline, label: label}
}

// Label returns the debug label.
func (f *Fence) Label() string { return f.label }

// Arm associates the fence with submission index.
func (f *Fence) Arm(index uint64) error {
	if index == 0 {
		return fault.Violation(ErrFenceArmed, "fence %q armed with index 0", f.label)
	}
	if !f.index.CompareAndSwap(0, index) {
		return fault.Violation(ErrFenceArmed, "fence %q armed twice (pending %d, new %d)",
			f.label, f.index.Load(), index)
	}
	return nil
}

// Index returns the armed submission index, or 0 when unarmed.
func (f *Fence) Index() uint64 { return f.index.Load() }

// Armed reports whether the fence guards a submission.
func (f *Fence) Armed() bool { return f.index.Load() != 0 }

// Signaled reports whether the guarded submission has completed.
func (f *Fence) Signaled() bool {
	idx := f.index.Load()
	return idx != 0 && f.timeline.Completed() >= idx
}

// Wait blocks until the fence is signaled or timeout elapses and reports
// whether it was signaled. An unarmed fence returns false at once.
func (f *Fence) Wait(timeout time.Duration) bool {
	idx := f.index.Load()
	if idx == 0 {
		return false
	}
	return WaitFor(f.timeline, idx, timeout)
}

// Reset disarms the fence.
func (f *Fence) Reset() {
	f.index.Store(0)
}
