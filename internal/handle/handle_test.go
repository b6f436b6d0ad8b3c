package handle

import (
	"sync"
	"testing"

	"github.com/gogpu/rhi/internal/fault"
)

func releaseMode(t *testing.T) {
	t.Helper()
	prev := fault.Debug()
	fault.SetDebug(false)
	t.Cleanup(func() { fault.SetDebug(prev) })
}

func TestRefLifecycle(t *testing.T) {
	table := NewTable[string]()
	released := 0
	r := table.Insert("pipeline", func(string) { released++ })

	if r.ID().IsZero() {
		t.Fatal("Insert() issued zero ID")
	}
	if got := r.Refs(); got != 1 {
		t.Errorf("Refs() = %d, want 1", got)
	}

	r.Retain()
	if r.Release() {
		t.Error("Release() with 2 refs reported last")
	}
	if released != 0 {
		t.Errorf("released = %d before final release", released)
	}
	if !r.Release() {
		t.Error("final Release() = false, want true")
	}
	if released != 1 {
		t.Errorf("released = %d, want 1", released)
	}
	if table.Len() != 0 {
		t.Errorf("Len() = %d, want 0", table.Len())
	}
}

func TestWeakGeneration(t *testing.T) {
	table := NewTable[int]()
	r := table.Insert(42, nil)
	w := r.Weak()

	if v, ok := w.Get(); !ok || v != 42 {
		t.Fatalf("Get() = %d, %v, want 42, true", v, ok)
	}

	r.Release()
	if w.Valid() {
		t.Error("weak handle valid after release")
	}

	// The slot is reused with a new generation; the old weak must not see it.
	r2 := table.Insert(7, nil)
	if r2.ID().Index != w.ID().Index {
		t.Fatalf("slot not reused: %v vs %v", r2.ID(), w.ID())
	}
	if _, ok := w.Get(); ok {
		t.Error("stale weak handle resolved to reused slot")
	}
	if v, ok := r2.Weak().Get(); !ok || v != 7 {
		t.Errorf("new weak Get() = %d, %v, want 7, true", v, ok)
	}
}

func TestWeakUpgrade(t *testing.T) {
	table := NewTable[int]()
	released := false
	r := table.Insert(1, func(int) { released = true })
	w := r.Weak()

	up, ok := w.Upgrade()
	if !ok || up != r {
		t.Fatalf("Upgrade() = %v, %v", up, ok)
	}
	if r.Refs() != 2 {
		t.Errorf("Refs() after upgrade = %d, want 2", r.Refs())
	}
	r.Release()
	if released {
		t.Error("released while upgraded ref alive")
	}
	up.Release()
	if !released {
		t.Error("not released after last ref")
	}
	if _, ok := w.Upgrade(); ok {
		t.Error("Upgrade() succeeded after release")
	}

	var zero Weak[int]
	if _, ok := zero.Upgrade(); ok {
		t.Error("zero Weak upgraded")
	}
}

func TestClear(t *testing.T) {
	table := NewTable[string]()
	a := table.Insert("a", nil)
	b := table.Insert("b", nil)
	wa, wb := a.Weak(), b.Weak()

	var cleared []string
	table.Clear(func(s string) { cleared = append(cleared, s) })

	if len(cleared) != 2 {
		t.Errorf("Clear() visited %d values, want 2", len(cleared))
	}
	if wa.Valid() || wb.Valid() {
		t.Error("weak handles valid after Clear()")
	}
	if table.Len() != 0 {
		t.Errorf("Len() = %d, want 0", table.Len())
	}
	// Strong handles still release cleanly after the table is cleared.
	if !a.Release() {
		t.Error("Release() after Clear() not last")
	}
}

func TestDetach(t *testing.T) {
	table := NewTable[int]()
	released := 0
	r := table.Insert(7, func(int) { released++ })
	w := r.Weak()

	r.Detach()
	if w.Valid() {
		t.Error("weak handle resolves after Detach")
	}
	if table.Len() != 0 {
		t.Errorf("Len() = %d after Detach, want 0", table.Len())
	}
	if r.Value() != 7 {
		t.Errorf("Value() = %d after Detach", r.Value())
	}
	r.Detach()
	if !r.Release() || released != 1 {
		t.Errorf("final Release() did not run release func, released = %d", released)
	}
}

func TestOverRelease(t *testing.T) {
	releaseMode(t)

	table := NewTable[int]()
	r := table.Insert(1, nil)
	r.Release()
	if r.Release() {
		t.Error("second Release() reported last")
	}
	if r.Refs() != 0 {
		t.Errorf("Refs() = %d, want 0", r.Refs())
	}
}

func TestConcurrentRetainRelease(t *testing.T) {
	table := NewTable[int]()
	var released int
	r := table.Insert(1, func(int) { released++ })

	var wg sync.WaitGroup
	for range 16 {
		r.Retain()
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Release()
		}()
	}
	wg.Wait()

	if r.Refs() != 1 {
		t.Fatalf("Refs() = %d, want 1", r.Refs())
	}
	r.Release()
	if released != 1 {
		t.Errorf("released = %d, want 1", released)
	}
}
