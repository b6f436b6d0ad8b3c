package command

import (
	"sync"
	"time"

	"github.com/gogpu/rhi/internal/fault"
	"github.com/gogpu/rhi/internal/gpusync"
)

// Manager hands out the active command buffer of a queue and an optional
// upload buffer whose commands must execute before the active buffer's.
//
// Lifecycle:
//
//	cb, _ := m.GetActiveCmdBuffer()  // begins one if needed
//	... record ...
//	m.SubmitActiveCmdBuffer(signal)  // ends and submits
//
// Thread Safety: Manager is safe for concurrent use, but the buffers it
// returns are recorded by one goroutine at a time.
type Manager struct {
	queue *Queue
	pool  *Pool

	mu     sync.Mutex
	active *Buffer
	upload *Buffer
}

// NewManager creates a manager submitting to queue from pool.
func NewManager(queue *Queue, pool *Pool) *Manager {
	return &Manager{queue: queue, pool: pool}
}

// Queue returns the queue buffers are submitted to.
func (m *Manager) Queue() *Queue { return m.queue }

// Pool returns the buffer pool.
func (m *Manager) Pool() *Pool { return m.pool }

// GetActiveCmdBuffer returns the recording active buffer, beginning a new
// one when there is none. A pending upload buffer is submitted first so its
// copies precede the active buffer's commands.
func (m *Manager) GetActiveCmdBuffer() (*Buffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hasPendingUploadLocked() {
		if _, err := m.submitLocked(&m.upload, nil); err != nil {
			return nil, err
		}
	}
	if m.active != nil && m.active.State().Recording() {
		return m.active, nil
	}
	return m.prepareActiveLocked()
}

// GetUploadCmdBuffer returns the recording upload buffer, beginning one
// when there is none.
func (m *Manager) GetUploadCmdBuffer() (*Buffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hasPendingUploadLocked() {
		return m.upload, nil
	}
	b, err := m.pool.Acquire()
	if err != nil {
		return nil, err
	}
	m.upload = b
	return b, nil
}

// RecordUpload runs record on the upload buffer, beginning one when there
// is none. The manager lock is held throughout, so the buffer cannot be
// submitted while record runs.
func (m *Manager) RecordUpload(record func(*Buffer)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hasPendingUploadLocked() {
		b, err := m.pool.Acquire()
		if err != nil {
			return err
		}
		m.upload = b
	}
	record(m.upload)
	return nil
}

// PrepareForNewActiveCommandBuffer refreshes every fence and begins a new
// active buffer from the first reusable one, growing the pool if needed.
// The current active buffer must have been submitted.
func (m *Manager) PrepareForNewActiveCommandBuffer() (*Buffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prepareActiveLocked()
}

func (m *Manager) prepareActiveLocked() (*Buffer, error) {
	if m.active != nil && m.active.State().Recording() {
		return nil, fault.Violation(ErrInvalidState,
			"new active buffer requested while %q is still recording", m.active.label)
	}
	b, err := m.pool.Acquire()
	if err != nil {
		m.active = nil
		return nil, err
	}
	m.active = b
	return b, nil
}

// SubmitActiveCmdBuffer ends and submits the active buffer, signaling
// signals on completion. A pending upload buffer is submitted first. An
// open render pass is closed with a warning.
func (m *Manager) SubmitActiveCmdBuffer(signals ...*gpusync.Semaphore) (*Buffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil && m.hasPendingUploadLocked() {
		if _, err := m.submitLocked(&m.upload, nil); err != nil {
			return nil, err
		}
	}
	return m.submitLocked(&m.active, signals)
}

// SubmitUploadCmdBuffer ends and submits the upload buffer.
func (m *Manager) SubmitUploadCmdBuffer(signals ...*gpusync.Semaphore) (*Buffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitLocked(&m.upload, signals)
}

// submitLocked takes the buffer out of slot and submits it. A buffer the
// queue rejects is discarded back to the pool.
func (m *Manager) submitLocked(slot **Buffer, signals []*gpusync.Semaphore) (*Buffer, error) {
	b := *slot
	if b == nil {
		return nil, fault.Violation(ErrInvalidState, "submit with no %s buffer", m.slotName(slot))
	}
	*slot = nil

	err := m.endAndSubmit(b, signals)
	if err != nil && b.Discard() != StateSubmitted {
		fault.Logger().Warn("command: rejected buffer discarded", "buffer", b.label, "error", err)
		return nil, err
	}
	return b, err
}

func (m *Manager) endAndSubmit(b *Buffer, signals []*gpusync.Semaphore) error {
	if b.State() == StateIsInsideRenderPass {
		fault.Logger().Warn("command: closing render pass left open at submit", "buffer", b.label)
		if err := b.EndRenderPass(); err != nil {
			return err
		}
	}
	if err := b.End(); err != nil {
		return err
	}
	_, err := m.queue.Submit(b, signals...)
	return err
}

func (m *Manager) slotName(slot **Buffer) string {
	if slot == &m.upload {
		return "upload"
	}
	return "active"
}

// HasPendingActiveCmdBuffer reports whether an active buffer is recording.
func (m *Manager) HasPendingActiveCmdBuffer() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil && m.active.State().Recording()
}

// HasPendingUploadCmdBuffer reports whether an upload buffer is recording.
func (m *Manager) HasPendingUploadCmdBuffer() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasPendingUploadLocked()
}

func (m *Manager) hasPendingUploadLocked() bool {
	return m.upload != nil && m.upload.State().Recording()
}

// WaitForCmdBuffer blocks until cb's submission completes or timeout
// elapses, then refreshes it. It reports whether the submission completed.
func (m *Manager) WaitForCmdBuffer(cb *Buffer, timeout time.Duration) bool {
	if cb == nil {
		return true
	}
	switch cb.State() {
	case StateSubmitted:
	case StateNeedReset, StateReadyForBegin:
		return true
	default:
		return false
	}
	if !cb.fence.Wait(timeout) {
		return false
	}
	cb.RefreshFenceStatus()
	return true
}

// RefreshFenceStatus refreshes every buffer of the pool.
func (m *Manager) RefreshFenceStatus() { m.pool.Refresh() }

// Destroy discards unsubmitted buffers and destroys the pool, waiting up
// to timeout for in-flight work.
func (m *Manager) Destroy(timeout time.Duration) {
	m.mu.Lock()
	m.active = nil
	m.upload = nil
	m.mu.Unlock()
	m.pool.Destroy(timeout)
}
