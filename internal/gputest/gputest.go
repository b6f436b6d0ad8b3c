// Package gputest provides test fixtures on top of the hal noop backend:
// a device that counts object lifetimes, a queue whose completion is
// driven by the test, and a recorder for fault handler calls.
package gputest

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/rhi/internal/fault"
)

// OpenNoop opens the noop adapter and returns its device and queue.
func OpenNoop(tb testing.TB) (hal.Device, hal.Queue) {
	tb.Helper()
	inst, err := noop.API{}.CreateInstance(nil)
	if err != nil {
		tb.Fatalf("CreateInstance() error = %v", err)
	}
	adapters := inst.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		tb.Fatal("noop backend exposes no adapters")
	}
	open, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		tb.Fatalf("Open() error = %v", err)
	}
	return open.Device, open.Queue
}

// NewDevice returns a counting device over the noop backend together with
// a queue whose completion the test controls.
func NewDevice(tb testing.TB) (*Device, *Queue) {
	tb.Helper()
	dev, _ := OpenNoop(tb)
	return &Device{Device: dev}, NewQueue()
}

// ============================================================================
// Device
// ============================================================================

// Device wraps a hal.Device and counts created and destroyed objects.
type Device struct {
	hal.Device

	Buffers      atomic.Int64
	Textures     atomic.Int64
	Views        atomic.Int64
	Shaders      atomic.Int64
	Pipelines    atomic.Int64
	Encoders     atomic.Int64
	FreedBuffers atomic.Int64
	Maps         atomic.Int64
}

func (d *Device) CreateBuffer(desc *hal.BufferDescriptor) (hal.Buffer, error) {
	b, err := d.Device.CreateBuffer(desc)
	if err == nil {
		d.Buffers.Add(1)
	}
	return b, err
}

func (d *Device) DestroyBuffer(b hal.Buffer) {
	d.Buffers.Add(-1)
	d.Device.DestroyBuffer(b)
}

func (d *Device) MapBuffer(b hal.Buffer, offset, size uint64) (hal.BufferMapping, error) {
	m, err := d.Device.MapBuffer(b, offset, size)
	if err == nil {
		d.Maps.Add(1)
	}
	return m, err
}

func (d *Device) UnmapBuffer(b hal.Buffer) error {
	d.Maps.Add(-1)
	return d.Device.UnmapBuffer(b)
}

func (d *Device) CreateTexture(desc *hal.TextureDescriptor) (hal.Texture, error) {
	t, err := d.Device.CreateTexture(desc)
	if err == nil {
		d.Textures.Add(1)
	}
	return t, err
}

func (d *Device) DestroyTexture(t hal.Texture) {
	d.Textures.Add(-1)
	d.Device.DestroyTexture(t)
}

func (d *Device) CreateTextureView(t hal.Texture, desc *hal.TextureViewDescriptor) (hal.TextureView, error) {
	v, err := d.Device.CreateTextureView(t, desc)
	if err == nil {
		d.Views.Add(1)
	}
	return v, err
}

func (d *Device) DestroyTextureView(v hal.TextureView) {
	d.Views.Add(-1)
	d.Device.DestroyTextureView(v)
}

func (d *Device) CreateShaderModule(desc *hal.ShaderModuleDescriptor) (hal.ShaderModule, error) {
	m, err := d.Device.CreateShaderModule(desc)
	if err == nil {
		d.Shaders.Add(1)
	}
	return m, err
}

func (d *Device) DestroyShaderModule(m hal.ShaderModule) {
	d.Shaders.Add(-1)
	d.Device.DestroyShaderModule(m)
}

func (d *Device) CreateRenderPipeline(desc *hal.RenderPipelineDescriptor) (hal.RenderPipeline, error) {
	p, err := d.Device.CreateRenderPipeline(desc)
	if err == nil {
		d.Pipelines.Add(1)
	}
	return p, err
}

func (d *Device) DestroyRenderPipeline(p hal.RenderPipeline) {
	d.Pipelines.Add(-1)
	d.Device.DestroyRenderPipeline(p)
}

func (d *Device) CreateCommandEncoder(desc *hal.CommandEncoderDescriptor) (hal.CommandEncoder, error) {
	e, err := d.Device.CreateCommandEncoder(desc)
	if err == nil {
		d.Encoders.Add(1)
	}
	return e, err
}

func (d *Device) FreeCommandBuffer(cb hal.CommandBuffer) {
	d.FreedBuffers.Add(1)
	d.Device.FreeCommandBuffer(cb)
}

// ============================================================================
// Queue
// ============================================================================

// Queue is a hal.Queue whose submissions complete only when the test says
// so. Writes and presents fall through to the noop queue.
type Queue struct {
	noop.Queue

	mu        sync.Mutex
	submitted uint64
	completed uint64
	auto      bool
	failNext  error
	buffers   int
}

// NewQueue creates a queue with manual completion.
func NewQueue() *Queue {
	return &Queue{}
}

// Submit records the submission and returns its index.
func (q *Queue) Submit(cbs []hal.CommandBuffer) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.failNext; err != nil {
		q.failNext = nil
		return 0, err
	}
	q.submitted++
	q.buffers += len(cbs)
	if q.auto {
		q.completed = q.submitted
	}
	return q.submitted, nil
}

// PollCompleted returns the highest index the test marked complete.
func (q *Queue) PollCompleted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.completed
}

// Complete marks every submission up to index as complete.
func (q *Queue) Complete(index uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if index > q.submitted {
		index = q.submitted
	}
	if index > q.completed {
		q.completed = index
	}
}

// CompleteAll marks every submission so far as complete.
func (q *Queue) CompleteAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = q.submitted
}

// SetAutoComplete makes future submissions complete immediately.
func (q *Queue) SetAutoComplete(on bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.auto = on
	if on {
		q.completed = q.submitted
	}
}

// FailNextSubmit makes the next Submit return err.
func (q *Queue) FailNextSubmit(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failNext = err
}

// Submitted returns the last issued submission index.
func (q *Queue) Submitted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.submitted
}

// SubmittedBuffers returns the total number of command buffers submitted.
func (q *Queue) SubmittedBuffers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buffers
}

// ============================================================================
// Timeline
// ============================================================================

// Timeline is a manually advanced completion counter.
type Timeline struct {
	v atomic.Uint64
}

// Completed returns the current value.
func (t *Timeline) Completed() uint64 { return t.v.Load() }

// Set advances the timeline to v.
func (t *Timeline) Set(v uint64) { t.v.Store(v) }

// ============================================================================
// Faults
// ============================================================================

// Faults records errors passed to the fault handler.
type Faults struct {
	mu   sync.Mutex
	errs []error
}

// CaptureFaults installs a recording fault handler for the duration of the
// test. With debug false, contract violations return errors without
// reaching the handler.
func CaptureFaults(tb testing.TB, debug bool) *Faults {
	tb.Helper()
	f := &Faults{}
	prevDebug := fault.Debug()
	fault.SetDebug(debug)
	prev := fault.SetHandler(f.record)
	tb.Cleanup(func() {
		fault.SetHandler(prev)
		fault.SetDebug(prevDebug)
	})
	return f
}

func (f *Faults) record(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

// Len returns the number of recorded faults.
func (f *Faults) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.errs)
}

// Errors returns a copy of the recorded faults.
func (f *Faults) Errors() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.errs...)
}
