// Package handle provides reference-counted strong handles and
// generation-stamped weak handles over a slot table.
//
// A [Ref] owns one reference to a value. The value's release function runs
// exactly once, when the last reference is released. A [Weak] names the same
// slot without owning it; it resolves only while the slot still holds the
// generation it was issued for, so holders of a weak handle detect that the
// object was destroyed (or the table cleared) instead of reading a stale one.
//
// Thread Safety: Table, Ref and Weak are safe for concurrent use.
package handle

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/rhi/internal/fault"
)

// ID identifies a table slot and the generation it was issued for.
// The zero ID is never issued.
type ID struct {
	Index uint32
	Gen   uint32
}

// IsZero reports whether id is the zero ID.
func (id ID) IsZero() bool { return id.Gen == 0 }

// String returns a human-readable representation of the ID.
func (id ID) String() string {
	return fmt.Sprintf("%d#%d", id.Index, id.Gen)
}

type slot[T any] struct {
	gen uint32
	ref *Ref[T]
}

// Table issues IDs for live values and resolves weak handles.
type Table[T any] struct {
	mu    sync.Mutex
	slots []slot[T]
	free  []uint32
	live  int
}

// NewTable creates an empty table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{}
}

// Insert stores v and returns a strong handle holding one reference.
// release, if non-nil, runs when the last reference is released.
func (t *Table[T]) Insert(v T, release func(T)) *Ref[T] {
	t.mu.Lock()
	defer t.mu.Unlock()

	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.slots = append(t.slots, slot[T]{})
		idx = uint32(len(t.slots) - 1) //nolint:gosec // slot count bounded by memory
	}

	s := &t.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	r := &Ref[T]{
		table:   t,
		id:      ID{Index: idx, Gen: s.gen},
		value:   v,
		release: release,
	}
	r.refs.Store(1)
	s.ref = r
	t.live++
	return r
}

// Len returns the number of live slots.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// Clear invalidates every live slot without running release functions and
// calls fn for each value that was live. Weak handles issued before Clear
// stop resolving; strong handles keep their value but no longer appear in
// the table.
func (t *Table[T]) Clear(fn func(T)) {
	t.mu.Lock()
	var values []T
	for i := range t.slots {
		s := &t.slots[i]
		if s.ref == nil {
			continue
		}
		values = append(values, s.ref.value)
		s.ref.detached.Store(true)
		s.ref = nil
		s.gen++
		t.free = append(t.free, uint32(i)) //nolint:gosec // index bounded by slot count
	}
	t.live = 0
	t.mu.Unlock()

	if fn != nil {
		for _, v := range values {
			fn(v)
		}
	}
}

// lookup returns the strong handle in the slot named by id, if still current.
// Caller must hold t.mu.
func (t *Table[T]) lookup(id ID) *Ref[T] {
	if id.IsZero() || int(id.Index) >= len(t.slots) {
		return nil
	}
	s := &t.slots[id.Index]
	if s.gen != id.Gen || s.ref == nil {
		return nil
	}
	return s.ref
}

// remove frees the slot named by id if it is still current.
func (t *Table[T]) remove(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := &t.slots[id.Index]
	if s.gen != id.Gen || s.ref == nil {
		return
	}
	s.ref = nil
	s.gen++
	t.free = append(t.free, id.Index)
	t.live--
}

// Ref is a strong, reference-counted handle.
type Ref[T any] struct {
	table    *Table[T]
	id       ID
	value    T
	release  func(T)
	refs     atomic.Int32
	detached atomic.Bool
}

// ID returns the handle's slot ID.
func (r *Ref[T]) ID() ID { return r.id }

// Value returns the referenced value.
func (r *Ref[T]) Value() T { return r.value }

// Refs returns the current reference count.
func (r *Ref[T]) Refs() int32 { return r.refs.Load() }

// Retain adds a reference and returns r for chaining.
func (r *Ref[T]) Retain() *Ref[T] {
	if n := r.refs.Add(1); n <= 1 {
		r.refs.Add(-1)
		fault.Assert(false, "handle %s retained after final release", r.id)
	}
	return r
}

// Release drops one reference. It reports whether this was the last one,
// in which case the slot is freed and the release function has run.
func (r *Ref[T]) Release() bool {
	n := r.refs.Add(-1)
	if n > 0 {
		return false
	}
	if n < 0 {
		r.refs.Add(1)
		fault.Assert(false, "handle %s released more times than retained", r.id)
		return false
	}
	if !r.detached.Load() {
		r.table.remove(r.id)
	}
	if r.release != nil {
		r.release(r.value)
	}
	return true
}

// Detach frees the handle's slot so weak handles stop resolving. Strong
// references stay usable and the release function still runs on the final
// Release.
func (r *Ref[T]) Detach() {
	if r.detached.CompareAndSwap(false, true) {
		r.table.remove(r.id)
	}
}

// Weak returns a non-owning handle to the same slot.
func (r *Ref[T]) Weak() Weak[T] {
	return Weak[T]{table: r.table, id: r.id}
}

// Weak is a non-owning, generation-checked handle.
// The zero Weak never resolves.
type Weak[T any] struct {
	table *Table[T]
	id    ID
}

// ID returns the slot ID the handle was issued for.
func (w Weak[T]) ID() ID { return w.id }

// Valid reports whether the referenced value is still alive.
func (w Weak[T]) Valid() bool {
	_, ok := w.Get()
	return ok
}

// Get returns the value if the slot still holds the same generation.
// The value is not retained; use Upgrade to keep it alive.
func (w Weak[T]) Get() (T, bool) {
	var zero T
	if w.table == nil {
		return zero, false
	}
	w.table.mu.Lock()
	defer w.table.mu.Unlock()

	r := w.table.lookup(w.id)
	if r == nil {
		return zero, false
	}
	return r.value, true
}

// Upgrade retains and returns a strong handle if the value is still alive.
func (w Weak[T]) Upgrade() (*Ref[T], bool) {
	if w.table == nil {
		return nil, false
	}
	w.table.mu.Lock()
	defer w.table.mu.Unlock()

	r := w.table.lookup(w.id)
	if r == nil {
		return nil, false
	}
	for {
		n := r.refs.Load()
		if n <= 0 {
			return nil, false
		}
		if r.refs.CompareAndSwap(n, n+1) {
			return r, true
		}
	}
}
