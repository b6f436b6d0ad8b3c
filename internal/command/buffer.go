// Package command records and submits GPU command buffers.
//
// A [Buffer] pairs a hal.CommandEncoder with the fence guarding its last
// submission and walks the state machine
//
//	NotAllocated -> ReadyForBegin -> IsInsideBegin <-> IsInsideRenderPass
//	IsInsideBegin -> HasEnded -> Submitted -> NeedReset -> IsInsideBegin
//
// A [Pool] owns buffers and recycles them once their fence signals. A [Queue]
// submits ended buffers, resolving wait semaphores and arming fences. A
// [Manager] keeps one active and at most one upload buffer per queue.
package command

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/internal/fault"
	"github.com/gogpu/rhi/internal/gpusync"
)

// Command buffer errors.
var (
	// ErrInvalidState is returned for an operation illegal in the buffer's state.
	ErrInvalidState = errors.New("command: invalid command buffer state")

	// ErrInsideRenderPass is returned when ending a buffer with an open render pass.
	ErrInsideRenderPass = errors.New("command: render pass still open")

	// ErrFenceNotReset is returned when submitting a buffer whose fence still
	// guards a previous submission.
	ErrFenceNotReset = errors.New("command: fence not reset")

	// ErrPoolExhausted is returned when every pooled buffer is in flight and
	// none completed within the wait timeout.
	ErrPoolExhausted = errors.New("command: pool exhausted")

	// ErrPoolDestroyed is returned when acquiring from a destroyed pool.
	ErrPoolDestroyed = errors.New("command: pool destroyed")
)

// State is the recording state of a command buffer.
type State uint8

// Command buffer states.
const (
	StateNotAllocated State = iota
	StateReadyForBegin
	StateIsInsideBegin
	StateIsInsideRenderPass
	StateHasEnded
	StateSubmitted
	StateNeedReset
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateNotAllocated:
		return "NotAllocated"
	case StateReadyForBegin:
		return "ReadyForBegin"
	case StateIsInsideBegin:
		return "IsInsideBegin"
	case StateIsInsideRenderPass:
		return "IsInsideRenderPass"
	case StateHasEnded:
		return "HasEnded"
	case StateSubmitted:
		return "Submitted"
	case StateNeedReset:
		return "NeedReset"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Recording reports whether commands can be recorded in this state.
func (s State) Recording() bool {
	return s == StateIsInsideBegin || s == StateIsInsideRenderPass
}

// Tracked is a reference held by recorded commands. Submission stamps it
// with the submission's epoch; discarded commands release it unstamped.
// Exactly one of Use and Release is called.
type Tracked interface {
	Use(epoch uint64)
	Release()
}

// Wait is a semaphore a submission waits on before the given stages.
type Wait struct {
	Stage     gpusync.Stage
	Semaphore *gpusync.Semaphore
}

// Buffer is a recyclable command buffer owned by a Pool.
//
// Thread Safety: a Buffer is recorded by one goroutine at a time. State
// queries and fence refresh are safe from other goroutines.
type Buffer struct {
	pool    *Pool
	index   int
	label   string
	encoder hal.CommandEncoder
	fence   *gpusync.Fence

	mu      sync.Mutex
	state   State
	cmd     hal.CommandBuffer
	pass    hal.RenderPassEncoder
	waits   []Wait
	tracked []Tracked
	epoch   uint64
	uses    uint64
}

// Label returns the debug label.
func (b *Buffer) Label() string { return b.label }

// Fence returns the fence guarding the buffer's submission.
func (b *Buffer) Fence() *gpusync.Fence { return b.fence }

// State returns the current state.
func (b *Buffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Epoch returns the submission index of the last submission, or 0.
func (b *Buffer) Epoch() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.epoch
}

// Begin starts recording. Legal from ReadyForBegin and NeedReset.
func (b *Buffer) Begin() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.beginLocked()
}

func (b *Buffer) beginLocked() error {
	if b.state != StateReadyForBegin && b.state != StateNeedReset {
		return fault.Violation(ErrInvalidState, "Begin on %q in state %s", b.label, b.state)
	}
	if err := b.encoder.BeginEncoding(b.label); err != nil {
		return errors.Wrapf(err, "begin %q", b.label)
	}
	b.state = StateIsInsideBegin
	b.uses++
	return nil
}

// End finishes recording. Legal only from IsInsideBegin; a buffer with an
// open render pass is rejected.
func (b *Buffer) End() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateIsInsideBegin:
	case StateIsInsideRenderPass:
		return fault.Violation(ErrInsideRenderPass, "End on %q inside a render pass", b.label)
	default:
		return fault.Violation(ErrInvalidState, "End on %q in state %s", b.label, b.state)
	}
	cmd, err := b.encoder.EndEncoding()
	if err != nil {
		return errors.Wrapf(err, "end %q", b.label)
	}
	b.cmd = cmd
	b.state = StateHasEnded
	return nil
}

// BeginRenderPass opens a render pass. Legal only from IsInsideBegin.
func (b *Buffer) BeginRenderPass(desc *hal.RenderPassDescriptor) (hal.RenderPassEncoder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateIsInsideBegin {
		return nil, fault.Violation(ErrInvalidState, "BeginRenderPass on %q in state %s", b.label, b.state)
	}
	b.pass = b.encoder.BeginRenderPass(desc)
	b.state = StateIsInsideRenderPass
	return b.pass, nil
}

// EndRenderPass closes the open render pass.
func (b *Buffer) EndRenderPass() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateIsInsideRenderPass {
		return fault.Violation(ErrInvalidState, "EndRenderPass on %q in state %s", b.label, b.state)
	}
	b.pass.End()
	b.pass = nil
	b.state = StateIsInsideBegin
	return nil
}

// RenderPass returns the open render pass encoder, or nil.
func (b *Buffer) RenderPass() hal.RenderPassEncoder {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pass
}

// Encoder returns the encoder for recording copies and barriers outside a
// render pass.
func (b *Buffer) Encoder() hal.CommandEncoder {
	b.mu.Lock()
	defer b.mu.Unlock()
	fault.Assert(b.state == StateIsInsideBegin, "Encoder on %q in state %s", b.label, b.state)
	return b.encoder
}

// AddWaitSemaphore makes the next submission wait on sem before stage.
func (b *Buffer) AddWaitSemaphore(stage gpusync.Stage, sem *gpusync.Semaphore) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.waits = append(b.waits, Wait{Stage: stage, Semaphore: sem})
}

// Waits returns a copy of the pending wait list.
func (b *Buffer) Waits() []Wait {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Wait(nil), b.waits...)
}

// Track records resources referenced by the commands being recorded.
func (b *Buffer) Track(res ...Tracked) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range res {
		if r != nil {
			b.tracked = append(b.tracked, r)
		}
	}
}

// RefreshFenceStatus moves a Submitted buffer to NeedReset once its fence
// has signaled, resetting the encoder and the fence. It returns the
// resulting state.
func (b *Buffer) RefreshFenceStatus() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	return b.state
}

func (b *Buffer) refreshLocked() {
	if b.state != StateSubmitted || !b.fence.Signaled() {
		return
	}
	b.releaseCommandsLocked()
	b.fence.Reset()
	b.state = StateNeedReset
}

func (b *Buffer) releaseCommandsLocked() {
	if b.cmd != nil {
		b.encoder.ResetAll([]hal.CommandBuffer{b.cmd})
		b.pool.device.FreeCommandBuffer(b.cmd)
		b.cmd = nil
	}
}

// Discard drops unsubmitted commands: an open render pass is ended, the
// recording or ended commands are reset, tracked references are released
// and the wait list is cleared. The buffer moves to NeedReset so the pool
// can reuse it. Submitted and idle buffers are left unchanged.
func (b *Buffer) Discard() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.discardLocked()
	return b.state
}

func (b *Buffer) discardLocked() {
	switch b.state {
	case StateIsInsideBegin, StateIsInsideRenderPass:
		if b.pass != nil {
			b.pass.End()
			b.pass = nil
		}
		b.encoder.DiscardEncoding()
	case StateHasEnded:
		b.releaseCommandsLocked()
	default:
		return
	}
	for _, r := range b.tracked {
		r.Release()
	}
	clear(b.tracked)
	b.tracked = b.tracked[:0]
	clear(b.waits)
	b.waits = b.waits[:0]
	b.state = StateNeedReset
	fault.Logger().Debug("command: buffer discarded", "buffer", b.label)
}

// free destroys the encoder and returns the buffer to NotAllocated.
func (b *Buffer) free() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateNotAllocated {
		return
	}
	b.discardLocked()
	b.releaseCommandsLocked()
	b.fence.Reset()
	b.encoder.Destroy()
	b.waits = nil
	b.state = StateNotAllocated
}

// submitted records a successful submission at index. Caller holds b.mu.
func (b *Buffer) submittedLocked(index uint64) {
	b.state = StateSubmitted
	b.epoch = index
	for _, r := range b.tracked {
		r.Use(index)
	}
	clear(b.tracked)
	b.tracked = b.tracked[:0]
	clear(b.waits)
	b.waits = b.waits[:0]
}
