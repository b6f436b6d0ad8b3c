package rendercmd

import (
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/rhi/internal/gputest"
)

// ============================================================================
// Ordering
// ============================================================================

func TestExecuteInOrder(t *testing.T) {
	q := New(4096, 0)
	var got []uint32

	const n = 50
	for i := range uint32(n) {
		block := q.Allocate(func(args []byte) {
			got = append(got, NewArgReader(args).Uint32())
		}, SizeUint32)
		NewArgWriter(block).Uint32(i)
	}
	if q.Len() != n {
		t.Fatalf("Len() = %d, want %d", q.Len(), n)
	}

	if ran := q.Execute(); ran != n {
		t.Errorf("Execute() = %d, want %d", ran, n)
	}
	for i, v := range got {
		if v != uint32(i) {
			t.Fatalf("command %d saw %d: order not preserved", i, v)
		}
	}
	if q.Len() != 0 || q.Size() != 0 {
		t.Errorf("after Execute Len()=%d Size()=%d, want 0/0", q.Len(), q.Size())
	}
	if q.Executed() != n {
		t.Errorf("Executed() = %d, want %d", q.Executed(), n)
	}
}

func TestExecuteEmpty(t *testing.T) {
	q := New(64, 0)
	if ran := q.Execute(); ran != 0 {
		t.Errorf("Execute() on empty queue = %d", ran)
	}
	if q.Len() != 0 || q.Size() != 0 {
		t.Error("empty Execute changed the queue")
	}
}

func TestBlockAlignmentAndReuse(t *testing.T) {
	q := New(1024, 0)
	arena := &q.arena[0]

	var order []int
	sizes := []int{16, 32, 8}
	offsets := []int{0, 16, 48}
	for i, size := range sizes {
		block := q.Allocate(func(args []byte) {
			if len(args) != size {
				t.Errorf("command %d got %d-byte block, want %d", i, len(args), size)
			}
			order = append(order, i)
		}, size)
		if len(block) != size || cap(block) != size {
			t.Errorf("block %d len/cap = %d/%d, want %d", i, len(block), cap(block), size)
		}
		if q.entries[i].offset != offsets[i] {
			t.Errorf("block %d offset = %d, want %d", i, q.entries[i].offset, offsets[i])
		}
	}
	if q.Size() != 56 {
		t.Errorf("Size() = %d, want 56", q.Size())
	}

	q.Execute()
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Errorf("execution order = %v, want [0 1 2]", order)
	}

	block := q.Allocate(func([]byte) {}, 4)
	if &block[0] != arena {
		t.Error("next Allocate after Execute did not start at offset 0")
	}
}

func TestOddSizesStayAligned(t *testing.T) {
	q := New(256, 0)
	for _, size := range []int{3, 5, 1, 0, 7} {
		q.Allocate(func([]byte) {}, size)
	}
	for i, e := range q.entries {
		if e.offset%Alignment != 0 {
			t.Errorf("entry %d offset %d not %d-byte aligned", i, e.offset, Alignment)
		}
	}
}

func TestPushMixedWithAllocate(t *testing.T) {
	q := New(128, 0)
	var trace []string
	q.Push(func() { trace = append(trace, "push") })
	NewArgWriter(q.Allocate(func(args []byte) {
		trace = append(trace, string(NewArgReader(args).Bytes(3)))
	}, 3)).Bytes([]byte("arg"))
	q.Push(func() { trace = append(trace, "last") })

	q.Execute()
	want := []string{"push", "arg", "last"}
	for i := range want {
		if i >= len(trace) || trace[i] != want[i] {
			t.Fatalf("trace = %v, want %v", trace, want)
		}
	}
}

// ============================================================================
// Contract and overflow
// ============================================================================

func TestOverflowIsFatal(t *testing.T) {
	tests := []struct {
		name       string
		capacity   int
		maxEntries int
		sizes      []int
	}{
		{"arena", 32, 0, []int{16, 24}},
		{"entries", 1024, 2, []int{8, 8, 8}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			faults := gputest.CaptureFaults(t, false)
			q := New(tt.capacity, tt.maxEntries)
			var last []byte
			for _, size := range tt.sizes {
				last = q.Allocate(func([]byte) {}, size)
			}
			if last != nil {
				t.Error("overflowing Allocate returned a block")
			}
			if faults.Len() != 1 || !errors.Is(faults.Errors()[0], ErrOverflow) {
				t.Errorf("faults = %v, want one ErrOverflow", faults.Errors())
			}
			if q.Len() != len(tt.sizes)-1 {
				t.Errorf("Len() = %d, overflowing entry was recorded", q.Len())
			}
		})
	}
}

func TestAllocateWhileDraining(t *testing.T) {
	faults := gputest.CaptureFaults(t, true)
	q := New(128, 0)

	var inner []byte
	q.Allocate(func([]byte) {
		if !q.Draining() {
			t.Error("Draining() = false inside Execute")
		}
		inner = q.Allocate(func([]byte) {}, 8)
	}, 0)
	q.Execute()

	if inner != nil {
		t.Error("Allocate during Execute returned a block")
	}
	if faults.Len() != 1 || !errors.Is(faults.Errors()[0], ErrDraining) {
		t.Errorf("faults = %v, want one ErrDraining", faults.Errors())
	}
	if q.Len() != 0 || q.Draining() {
		t.Error("queue not reset after Execute")
	}
}

func TestArgRoundTrip(t *testing.T) {
	block := make([]byte, SizeUint32+SizeUint64+SizeFloat32)
	w := NewArgWriter(block).Uint32(7).Uint64(1 << 40).Float32(0.5)
	if w.Len() != len(block) {
		t.Fatalf("Len() = %d, want %d", w.Len(), len(block))
	}

	r := NewArgReader(block)
	if v := r.Uint32(); v != 7 {
		t.Errorf("Uint32() = %d", v)
	}
	if v := r.Uint64(); v != 1<<40 {
		t.Errorf("Uint64() = %d", v)
	}
	if v := r.Float32(); v != 0.5 {
		t.Errorf("Float32() = %v", v)
	}
	if r.Remaining() != 0 || r.Uint32() != 0 {
		t.Error("read past end did not return zero")
	}
}

func TestArgWriterOverflow(t *testing.T) {
	faults := gputest.CaptureFaults(t, false)
	block := make([]byte, 4)
	w := NewArgWriter(block).Uint32(1).Uint32(2)
	if w.Len() != 4 {
		t.Errorf("Len() = %d, want 4", w.Len())
	}
	if faults.Len() != 0 {
		t.Errorf("release-mode assert reached the handler %d times", faults.Len())
	}
}
