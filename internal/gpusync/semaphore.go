package gpusync

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/rhi/internal/fault"
)

// Semaphore errors.
var (
	// ErrSemaphoreNotSignaled is returned when waiting on a semaphore that no
	// submission has signaled.
	ErrSemaphoreNotSignaled = errors.New("gpusync: semaphore never signaled")

	// ErrSemaphorePending is returned when signaling a semaphore that still
	// has an unconsumed signal.
	ErrSemaphorePending = errors.New("gpusync: semaphore already signaled")

	// ErrSemaphoreTimeout is returned when a cross-queue wait exceeds its timeout.
	ErrSemaphoreTimeout = errors.New("gpusync: semaphore wait timed out")
)

// Stage is a set of pipeline stages a wait applies to.
type Stage uint32

// Pipeline stages.
const (
	StageTopOfPipe Stage = 1 << iota
	StageVertexInput
	StageVertexShader
	StageFragmentShader
	StageColorAttachmentOutput
	StageComputeShader
	StageTransfer
	StageBottomOfPipe

	StageAllCommands = StageTopOfPipe | StageVertexInput | StageVertexShader |
		StageFragmentShader | StageColorAttachmentOutput | StageComputeShader |
		StageTransfer | StageBottomOfPipe
)

var stageNames = [...]string{
	"TopOfPipe", "VertexInput", "VertexShader", "FragmentShader",
	"ColorAttachmentOutput", "ComputeShader", "Transfer", "BottomOfPipe",
}

// String returns the stage names joined by '|'.
func (s Stage) String() string {
	if s == 0 {
		return "None"
	}
	if s == StageAllCommands {
		return "AllCommands"
	}
	var parts []string
	for i, name := range stageNames {
		if s&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	if rest := s &^ StageAllCommands; rest != 0 {
		parts = append(parts, fmt.Sprintf("Unknown(%#x)", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// Semaphore orders one submission after another, possibly across queues.
//
// A submission signals the semaphore; a later submission that lists it as a
// wait consumes the signal. Waiter and signaler on the same timeline are
// ordered by submission order alone. Across timelines the waiter blocks on
// the CPU until the signaling submission completes.
//
// Thread Safety: Semaphore is safe for concurrent use.
type Semaphore struct {
	mu       sync.Mutex
	label    string
	signaled bool
	source   Timeline
	index    uint64
}

// NewSemaphore creates an unsignaled semaphore.
func NewSemaphore(label string) *Semaphore {
	return &Semaphore{label: label}
}

// Label returns the debug label.
func (s *Semaphore) Label() string { return s.label }

// Signal records that submission index on source signals the semaphore.
func (s *Semaphore) Signal(source Timeline, index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.signaled {
		return fault.Violation(ErrSemaphorePending,
			"semaphore %q signaled at %d before its signal at %d was consumed", s.label, index, s.index)
	}
	s.signaled = true
	s.source = source
	s.index = index
	return nil
}

// Pending reports whether the semaphore holds an unconsumed signal.
func (s *Semaphore) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signaled
}

// Resolve reports whether a submission on waiter may proceed past the
// semaphore, without consuming the signal. For a different timeline it
// waits up to timeout for the signaling submission to complete.
func (s *Semaphore) Resolve(waiter Timeline, timeout time.Duration) error {
	_, _, err := s.resolve(waiter, timeout)
	return err
}

func (s *Semaphore) resolve(waiter Timeline, timeout time.Duration) (Timeline, uint64, error) {
	s.mu.Lock()
	if !s.signaled {
		s.mu.Unlock()
		return nil, 0, fault.Violation(ErrSemaphoreNotSignaled, "wait on semaphore %q that was never signaled", s.label)
	}
	source, index := s.source, s.index
	s.mu.Unlock()

	if source != waiter && !WaitFor(source, index, timeout) {
		return nil, 0, errors.Wrapf(ErrSemaphoreTimeout, "semaphore %q index %d after %v", s.label, index, timeout)
	}
	return source, index, nil
}

// Consume resolves the semaphore for a submission on waiter and clears the
// signal. A signal that fails to resolve is kept.
func (s *Semaphore) Consume(waiter Timeline, timeout time.Duration) error {
	source, index, err := s.resolve(waiter, timeout)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.signaled && s.source == source && s.index == index {
		s.signaled = false
		s.source = nil
	}
	s.mu.Unlock()
	return nil
}
