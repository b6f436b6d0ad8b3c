// Package rendercmd implements the deferred render-command queue.
//
// Producers reserve argument blocks in a preallocated arena with
// [Queue.Allocate] and fill them in place; the render goroutine later drains
// every entry with [Queue.Execute], in submission order, and the arena is
// reused from offset zero. The queue has two phases, producing and
// draining, and is not internally synchronized: producers must finish
// before the drain starts.
package rendercmd

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/rhi/internal/fault"
)

// Queue defaults.
const (
	// DefaultCapacity is the default arena size in bytes.
	DefaultCapacity = 10 << 20

	// DefaultMaxEntries is the default entry table size.
	DefaultMaxEntries = 1 << 16

	// Alignment is the alignment of every argument block.
	Alignment = 8
)

// Queue errors.
var (
	// ErrOverflow is reported when the arena or entry table is full.
	ErrOverflow = errors.New("rendercmd: queue overflow")

	// ErrDraining is reported when entries are added during Execute.
	ErrDraining = errors.New("rendercmd: queue is draining")

	// ErrInvalidAllocation is reported for a nil function or negative size.
	ErrInvalidAllocation = errors.New("rendercmd: invalid allocation")
)

// Func executes one deferred command with its argument block.
type Func func(args []byte)

type entry struct {
	fn      Func
	closure func()
	offset  int
	size    int
}

// Queue is a linear arena of deferred commands.
type Queue struct {
	arena      []byte
	entries    []entry
	maxEntries int
	cursor     int

	draining atomic.Bool

	peak     int
	executed uint64
}

// New creates a queue with an arena of capacity bytes and room for
// maxEntries commands. Non-positive values select the defaults.
func New(capacity, maxEntries int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Queue{
		arena:      make([]byte, capacity),
		entries:    make([]entry, 0, min(maxEntries, 1024)),
		maxEntries: maxEntries,
	}
}

// Allocate reserves an 8-byte aligned block of size bytes and records fn
// to be called with it by the next Execute. The caller fills the returned
// block before Execute. Running out of space is fatal; if the fault
// handler returns, Allocate returns nil and nothing is recorded.
func (q *Queue) Allocate(fn Func, size int) []byte {
	if q.draining.Load() {
		_ = fault.Violation(ErrDraining, "Allocate of %d bytes while draining", size)
		return nil
	}
	if fn == nil || size < 0 {
		_ = fault.Violation(ErrInvalidAllocation, "Allocate(fn=%v, size=%d)", fn != nil, size)
		return nil
	}

	offset := alignUp(q.cursor)
	if offset > len(q.arena) || size > len(q.arena)-offset || len(q.entries) >= q.maxEntries {
		_ = fault.Fatal(errors.Wrapf(ErrOverflow,
			"%d-byte block at offset %d, capacity %d, %d/%d entries",
			size, offset, len(q.arena), len(q.entries), q.maxEntries),
			"rendercmd: out of space")
		return nil
	}

	q.entries = append(q.entries, entry{fn: fn, offset: offset, size: size})
	q.cursor = offset + size
	q.peak = max(q.peak, q.cursor)
	return q.arena[offset : offset+size : offset+size]
}

// Push records a command without an argument block.
func (q *Queue) Push(fn func()) {
	if q.draining.Load() {
		_ = fault.Violation(ErrDraining, "Push while draining")
		return
	}
	if fn == nil {
		_ = fault.Violation(ErrInvalidAllocation, "Push(nil)")
		return
	}
	if len(q.entries) >= q.maxEntries {
		_ = fault.Fatal(errors.Wrapf(ErrOverflow, "%d entries", q.maxEntries), "rendercmd: out of space")
		return
	}
	q.entries = append(q.entries, entry{closure: fn, offset: alignUp(q.cursor)})
}

// Execute calls every recorded command once, in the order recorded, then
// resets the queue. It returns the number of commands executed.
func (q *Queue) Execute() int {
	if !q.draining.CompareAndSwap(false, true) {
		_ = fault.Violation(ErrDraining, "Execute while draining")
		return 0
	}
	defer q.draining.Store(false)

	n := len(q.entries)
	for i := range q.entries {
		e := &q.entries[i]
		if e.closure != nil {
			e.closure()
			continue
		}
		e.fn(q.arena[e.offset : e.offset+e.size : e.offset+e.size])
	}

	clear(q.entries)
	q.entries = q.entries[:0]
	q.cursor = 0
	q.executed += uint64(n)
	return n
}

// Len returns the number of recorded commands.
func (q *Queue) Len() int { return len(q.entries) }

// Size returns the number of arena bytes in use, including padding.
func (q *Queue) Size() int { return q.cursor }

// Capacity returns the arena size in bytes.
func (q *Queue) Capacity() int { return len(q.arena) }

// Peak returns the largest Size observed.
func (q *Queue) Peak() int { return q.peak }

// Executed returns the total number of commands executed.
func (q *Queue) Executed() uint64 { return q.executed }

// Draining reports whether Execute is running.
func (q *Queue) Draining() bool { return q.draining.Load() }

func alignUp(n int) int {
	return (n + Alignment - 1) &^ (Alignment - 1)
}
