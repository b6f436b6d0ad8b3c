package rhi

import (
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"

	"github.com/gogpu/rhi/internal/gputest"
)

// ============================================================================
// Frame bracketing
// ============================================================================

func TestFrameLifecycle(t *testing.T) {
	d, _ := newTestDevice(t)

	if d.InFrame() {
		t.Fatal("InFrame() = true before BeginFrame")
	}
	for i := uint64(1); i <= 3; i++ {
		if err := d.BeginFrame(); err != nil {
			t.Fatalf("BeginFrame() = %v", err)
		}
		if !d.InFrame() || d.Frame() != i {
			t.Fatalf("InFrame()=%v Frame()=%d, want true %d", d.InFrame(), d.Frame(), i)
		}
		if err := d.EndFrame(); err != nil {
			t.Fatalf("EndFrame() = %v", err)
		}
	}
	if d.InFrame() {
		t.Error("InFrame() = true after EndFrame")
	}
}

func TestNextFrame(t *testing.T) {
	d, _ := newTestDevice(t)
	_ = d.BeginFrame()
	if err := d.NextFrame(); err != nil {
		t.Fatalf("NextFrame() = %v", err)
	}
	if d.Frame() != 2 || !d.InFrame() {
		t.Errorf("Frame()=%d InFrame()=%v, want 2 true", d.Frame(), d.InFrame())
	}
	_ = d.EndFrame()
}

func TestFrameMisuse(t *testing.T) {
	tests := []struct {
		name string
		run  func(d *Device) error
	}{
		{"EndFrame outside frame", func(d *Device) error { return d.EndFrame() }},
		{"BeginFrame twice", func(d *Device) error {
			if err := d.BeginFrame(); err != nil {
				return err
			}
			return d.BeginFrame()
		}},
		{"NextFrame outside frame", func(d *Device) error { return d.NextFrame() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := newTestDevice(t)
			faults := gputest.CaptureFaults(t, true)

			if err := tt.run(d); !errors.Is(err, ErrFrameState) {
				t.Fatalf("err = %v, want ErrFrameState", err)
			}
			if faults.Len() != 1 {
				t.Errorf("faults = %d, want 1", faults.Len())
			}
		})
	}
}

func TestEndFrameSubmitsUploadsFirst(t *testing.T) {
	f := newFixture(t)
	d := f.dev
	color := newColorTarget(t, d, 16, 16)
	defer color.Release()

	_ = d.BeginFrame()
	b, _ := d.CreateBuffer(&BufferDescriptor{Label: "ib", Size: 32, Usage: gputypes.BufferUsageIndex})
	defer b.Release()
	if err := b.Write(0, make([]byte, 32)); err != nil {
		t.Fatal(err)
	}
	if _, err := d.BeginRendering(colorPass(), &RenderTarget{Colors: []*Texture{color}}); err != nil {
		t.Fatal(err)
	}
	if err := d.EndRendering(); err != nil {
		t.Fatal(err)
	}
	if err := d.EndFrame(); err != nil {
		t.Fatal(err)
	}

	// Upload at index 1, rendering at index 2.
	if got := f.queue.Submitted(); got != 2 {
		t.Fatalf("submissions = %d, want 2", got)
	}
	if b.LastUse() != 1 {
		t.Errorf("buffer LastUse() = %d, want 1", b.LastUse())
	}
	if color.LastUse() != 2 {
		t.Errorf("target LastUse() = %d, want 2", color.LastUse())
	}
}

func TestEndFrameClosesOpenRendering(t *testing.T) {
	f := newFixture(t)
	d := f.dev
	color := newColorTarget(t, d, 8, 8)
	defer color.Release()

	_ = d.BeginFrame()
	if _, err := d.BeginRendering(colorPass(), &RenderTarget{Colors: []*Texture{color}}); err != nil {
		t.Fatal(err)
	}
	if err := d.EndFrame(); err != nil {
		t.Fatalf("EndFrame() = %v", err)
	}
	if d.Rendering() != nil {
		t.Error("Rendering() != nil after EndFrame")
	}
	if f.queue.Submitted() != 1 {
		t.Errorf("submissions = %d, want 1", f.queue.Submitted())
	}
}

// ============================================================================
// Deferred deletion across frames
// ============================================================================

func TestReleasedBufferDestroyedAfterCompletion(t *testing.T) {
	f := newFixture(t)
	d := f.dev

	_ = d.BeginFrame()
	b, _ := d.CreateBuffer(&BufferDescriptor{Label: "vb", Size: 64})
	_ = b.Write(0, make([]byte, 64))
	_ = d.EndFrame()
	b.Release()

	// vb and its staging buffer wait for submission 1.
	before := f.hal.Buffers.Load()
	if before < 2 {
		t.Fatalf("live HAL buffers = %d, want at least 2", before)
	}
	_ = d.BeginFrame()
	if got := f.hal.Buffers.Load(); got != before {
		t.Errorf("buffers destroyed before completion: %d -> %d", before, got)
	}
	if d.Stats().PendingDeletions == 0 {
		t.Error("PendingDeletions = 0 while waiting for the GPU")
	}

	f.queue.CompleteAll()
	if err := d.NextFrame(); err != nil {
		t.Fatal(err)
	}
	if got := f.hal.Buffers.Load(); got != before-2 {
		t.Errorf("live HAL buffers after completion = %d, want %d", got, before-2)
	}
	_ = d.EndFrame()
}

func TestUnusedResourceDestroyedAtNextCollect(t *testing.T) {
	f := newFixture(t)
	d := f.dev

	tex, _ := d.CreateTexture(&TextureDescriptor{Width: 4, Height: 4, Format: gputypes.TextureFormatRGBA8Unorm})
	tex.Release()
	if n := d.Collect(); n != 1 {
		t.Errorf("Collect() = %d, want 1", n)
	}
	if got := f.hal.Textures.Load(); got != 0 {
		t.Errorf("live HAL textures = %d, want 0", got)
	}
}

// ============================================================================
// Deferred render commands
// ============================================================================

func TestEnqueueRunsInOrder(t *testing.T) {
	d, _ := newTestDevice(t)

	var got []uint32
	for i := range uint32(5) {
		args := d.Enqueue(func(args []byte) {
			got = append(got, NewArgReader(args).Uint32())
		}, SizeUint32)
		NewArgWriter(args).Uint32(i * 10)
	}
	d.EnqueueFunc(func() { got = append(got, 99) })

	if n := d.RenderCommands(); n != 6 {
		t.Fatalf("RenderCommands() = %d, want 6", n)
	}
	want := []uint32{0, 10, 20, 30, 40, 99}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	if n := d.RenderCommands(); n != 0 {
		t.Errorf("second RenderCommands() = %d, want 0", n)
	}
	if d.RenderCommandQueue().Len() != 0 || d.RenderCommandQueue().Size() != 0 {
		t.Error("queue not reset after RenderCommands")
	}
}

func TestEnqueueConcurrentProducers(t *testing.T) {
	d, _ := newTestDevice(t)

	const producers, perProducer = 8, 100
	var (
		mu  sync.Mutex
		sum uint64
		wg  sync.WaitGroup
	)
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perProducer {
				args := d.Enqueue(func(args []byte) {
					v := NewArgReader(args).Uint64()
					mu.Lock()
					sum += v
					mu.Unlock()
				}, SizeUint64)
				NewArgWriter(args).Uint64(uint64(p*perProducer + i))
			}
		}()
	}
	wg.Wait()

	if n := d.RenderCommands(); n != producers*perProducer {
		t.Fatalf("RenderCommands() = %d, want %d", n, producers*perProducer)
	}
	const total = producers * perProducer
	if want := uint64(total * (total - 1) / 2); sum != want {
		t.Errorf("sum of arguments = %d, want %d", sum, want)
	}
}

func TestEnqueueOverflowIsFatal(t *testing.T) {
	d, _ := newTestDevice(t, WithCommandQueueCapacity(64, 2))
	faults := gputest.CaptureFaults(t, false)

	d.EnqueueFunc(func() {})
	d.EnqueueFunc(func() {})
	if faults.Len() != 0 {
		t.Fatalf("faults before overflow = %d", faults.Len())
	}
	d.EnqueueFunc(func() {})
	if faults.Len() != 1 {
		t.Fatalf("faults after overflow = %d, want 1", faults.Len())
	}
	if !errors.Is(faults.Errors()[0], ErrCommandOverflow) {
		t.Errorf("fault = %v, want ErrCommandOverflow", faults.Errors()[0])
	}
	if n := d.RenderCommands(); n != 2 {
		t.Errorf("RenderCommands() = %d, want 2", n)
	}
}
