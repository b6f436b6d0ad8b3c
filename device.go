package rhi

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/internal/cache"
	"github.com/gogpu/rhi/internal/command"
	"github.com/gogpu/rhi/internal/deletion"
	"github.com/gogpu/rhi/internal/fault"
	"github.com/gogpu/rhi/internal/gpusync"
	"github.com/gogpu/rhi/internal/handle"
	"github.com/gogpu/rhi/internal/memory"
	"github.com/gogpu/rhi/internal/parallel"
	"github.com/gogpu/rhi/internal/rendercmd"
	"github.com/gogpu/rhi/internal/renderpass"
)

// Role is the logical purpose of a queue.
type Role = command.Role

// Queue roles.
const (
	RoleGraphics = command.RoleGraphics
	RoleCompute  = command.RoleCompute
	RoleTransfer = command.RoleTransfer
	RolePresent  = command.RolePresent
)

var nextDeviceID atomic.Uint64

// Device is the explicit context every resource and command buffer is
// created from. It owns one command pool and manager per queue role, the
// memory manager, the deferred deletion queue, the render-pass cache, the
// deferred render-command queue and a CPU worker pool.
//
// Lifecycle:
//
//	dev, _ := rhi.Open(gputypes.BackendVulkan)
//	defer dev.Close()
//	for running {
//	    dev.BeginFrame()
//	    pass, _ := dev.BeginRendering(desc, target)
//	    ... record ...
//	    dev.EndRendering()
//	    dev.EndFrame()
//	}
//
// Thread Safety: resource creation, Enqueue and accessors are safe for
// concurrent use. Frame and rendering calls and RenderCommands belong to
// the render goroutine.
type Device struct {
	id       uint64
	opts     options
	device   hal.Device
	queue    hal.Queue
	instance hal.Instance
	info     gpucontext.AdapterInfo
	external bool

	timelines map[uint32]*gpusync.QueueTimeline
	queues    [len(command.Roles)]*command.Queue
	managers  [len(command.Roles)]*command.Manager

	deletions *deletion.Queue
	memory    *memory.Manager
	passes    *renderpass.Cache
	commands  *rendercmd.Queue
	workers   *parallel.Pool

	shaderModules *handle.Table[*shaderModule]
	shaders       *cache.Cache[shaderKey, *handle.Ref[*shaderModule]]
	pipelines     *handle.Table[*pipeline]
	nextImage     atomic.Uint64

	enqueueMu sync.Mutex

	mu        sync.Mutex
	frame     uint64
	inFrame   bool
	rendering *RenderPass

	closing atomic.Bool
	closed  atomic.Bool
}

// Open creates a device on the first discrete or integrated adapter of the
// registered backend variant, falling back to the first adapter. The
// backend package must be imported for its registration, for example
// _ "github.com/gogpu/wgpu/hal/noop".
func Open(variant gputypes.Backend, opts ...Option) (*Device, error) {
	backend, ok := hal.GetBackend(variant)
	if !ok {
		return nil, errors.Wrapf(ErrBackendUnavailable, "%s", variant)
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, errors.Wrapf(err, "rhi: create %s instance", variant)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, errors.Wrapf(ErrNoAdapter, "%s", variant)
	}
	selected := selectAdapter(adapters)

	open, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, errors.Wrapf(err, "rhi: open %q", selected.Info.Name)
	}

	d := newDevice(open.Device, open.Queue, adapterInfo(selected.Info), buildOptions(opts))
	d.instance = instance
	Logger().Info("rhi: device opened",
		"backend", variant, "adapter", selected.Info.Name, "type", selected.Info.DeviceType, "id", d.id)
	return d, nil
}

func selectAdapter(adapters []hal.ExposedAdapter) *hal.ExposedAdapter {
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			return &adapters[i]
		}
	}
	return &adapters[0]
}

func adapterInfo(info gputypes.AdapterInfo) gpucontext.AdapterInfo {
	out := gpucontext.AdapterInfo{Name: info.Name, Type: gpucontext.AdapterTypeUnknown}
	switch info.DeviceType {
	case gputypes.DeviceTypeDiscreteGPU:
		out.Type = gpucontext.AdapterTypeDiscrete
	case gputypes.DeviceTypeIntegratedGPU:
		out.Type = gpucontext.AdapterTypeIntegrated
	case gputypes.DeviceTypeCPU:
		out.Type = gpucontext.AdapterTypeSoftware
	}
	return out
}

// NewFromProvider creates a device on a HAL device and queue shared by
// provider, such as a gogpu window. The provider must either expose
// HalDevice() any and HalQueue() any, or return hal.Device and hal.Queue
// values from Device and Queue. The shared device is not destroyed by
// Close.
func NewFromProvider(provider gpucontext.DeviceProvider, opts ...Option) (*Device, error) {
	if provider == nil {
		return nil, errors.Wrap(ErrProviderUnsupported, "nil provider")
	}
	device, queue, err := halFromProvider(provider)
	if err != nil {
		return nil, err
	}
	d := newDevice(device, queue, provider.AdapterInfo(), buildOptions(opts))
	d.external = true
	Logger().Info("rhi: device shared from provider", "adapter", d.info.Name, "id", d.id)
	return d, nil
}

func halFromProvider(provider gpucontext.DeviceProvider) (hal.Device, hal.Queue, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	var device, queue any
	if hp, ok := provider.(halProvider); ok {
		device, queue = hp.HalDevice(), hp.HalQueue()
	} else {
		device, queue = provider.Device(), provider.Queue()
	}

	dev, ok := device.(hal.Device)
	if !ok || dev == nil {
		return nil, nil, errors.Wrapf(ErrProviderUnsupported, "device is %T", device)
	}
	q, ok := queue.(hal.Queue)
	if !ok || q == nil {
		return nil, nil, errors.Wrapf(ErrProviderUnsupported, "queue is %T", queue)
	}
	return dev, q, nil
}

// newDevice wires the layers on an opened HAL device. Every role submits
// to the single HAL queue; roles on distinct families get distinct
// timelines, so ordering between them goes through semaphores.
func newDevice(device hal.Device, queue hal.Queue, info gpucontext.AdapterInfo, o options) *Device {
	if o.logger != nil {
		SetLogger(o.logger)
	}
	fault.SetDebug(o.debug)

	d := &Device{
		id:        nextDeviceID.Add(1),
		opts:      o,
		device:    device,
		queue:     queue,
		info:      info,
		timelines: make(map[uint32]*gpusync.QueueTimeline),
		deletions: deletion.New(),
	}
	d.memory = memory.NewManager(device, d.deletions, memory.Config{BudgetMB: o.memoryBudgetMB})

	for _, role := range command.Roles {
		family := o.families[role]
		tl, ok := d.timelines[family]
		if !ok {
			tl = gpusync.NewQueueTimeline(queue)
			d.timelines[family] = tl
		}
		q := command.NewQueue(role, tl, command.QueueConfig{
			Family:           family,
			SemaphoreTimeout: o.fenceTimeout,
			Diagnostics:      d.memory.DumpJSON,
		})
		pool := command.NewPool(device, tl, command.PoolConfig{
			Label:       role.String(),
			MaxBuffers:  o.maxCommandBuffers,
			WaitTimeout: o.fenceTimeout,
		})
		d.queues[role] = q
		d.managers[role] = command.NewManager(q, pool)
	}

	d.passes = renderpass.New(device, d.deletions, renderpass.Config{
		DeviceID:         d.id,
		FramebufferLimit: o.framebufferLimit,
	})
	d.commands = rendercmd.New(o.commandCapacity, o.commandEntries)
	d.workers = parallel.NewPool(o.workers)

	d.shaderModules = handle.NewTable[*shaderModule]()
	d.pipelines = handle.NewTable[*pipeline]()
	d.shaders = cache.New(o.shaderCacheLimit, func(_ shaderKey, ref *handle.Ref[*shaderModule]) {
		ref.Release()
	})
	return d
}

// ID returns the process-unique device identifier.
func (d *Device) ID() uint64 { return d.id }

// HAL returns the underlying HAL device.
func (d *Device) HAL() hal.Device { return d.device }

// HALQueue returns the underlying HAL queue.
func (d *Device) HALQueue() hal.Queue { return d.queue }

// AdapterInfo returns the name and kind of the adapter.
func (d *Device) AdapterInfo() gpucontext.AdapterInfo { return d.info }

// External reports whether the HAL device is shared from a provider.
func (d *Device) External() bool { return d.external }

// Memory returns the memory manager.
func (d *Device) Memory() *memory.Manager { return d.memory }

// Commands returns the command buffer manager of role.
func (d *Device) Commands(role Role) *command.Manager {
	if !fault.Assert(int(role) < len(d.managers), "unknown queue role %s", role) {
		return nil
	}
	return d.managers[role]
}

// Queue returns the submission queue of role.
func (d *Device) Queue(role Role) *command.Queue {
	if !fault.Assert(int(role) < len(d.queues), "unknown queue role %s", role) {
		return nil
	}
	return d.queues[role]
}

// RenderPasses returns the render-pass and framebuffer cache.
func (d *Device) RenderPasses() *renderpass.Cache { return d.passes }

// Completed returns the highest submission epoch every timeline has
// completed.
func (d *Device) Completed() uint64 {
	var done uint64
	first := true
	for _, tl := range d.timelines {
		c := tl.Completed()
		if first || c < done {
			done, first = c, false
		}
	}
	return done
}

// Collect destroys every released object whose last use has completed.
// It runs once per frame; call it directly only without frames.
func (d *Device) Collect() int {
	return d.deletions.Collect(d.Completed())
}

// retire schedules fn after epoch completes. After Close, objects of an
// owned device are gone with it; objects of a shared device are destroyed
// immediately.
func (d *Device) retire(epoch uint64, label string, fn func()) {
	if d.closed.Load() {
		if d.external {
			fn()
		}
		return
	}
	d.deletions.Defer(epoch, label, fn)
}

// Flush submits the pending upload and active command buffers of every
// role, uploads first.
func (d *Device) Flush() error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushLocked()
}

func (d *Device) flushLocked() error {
	var errs error
	for _, m := range d.managers {
		if m.HasPendingUploadCmdBuffer() {
			if _, err := m.SubmitUploadCmdBuffer(); err != nil {
				errs = errors.CombineErrors(errs, err)
			}
		}
		if m.HasPendingActiveCmdBuffer() {
			if _, err := m.SubmitActiveCmdBuffer(); err != nil {
				errs = errors.CombineErrors(errs, err)
			}
		}
	}
	return errs
}

// WaitIdle waits up to timeout for every submission to complete, then
// collects released objects. It reports whether the queues drained.
func (d *Device) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	idle := true
	for _, q := range d.queues {
		if !gpusync.WaitFor(q.Timeline(), q.LastSubmitted(), time.Until(deadline)) {
			idle = false
		}
	}
	d.Collect()
	return idle
}

// Stats is a snapshot of device activity.
type Stats struct {
	Frame            uint64
	Completed        uint64
	PendingDeletions int
	QueuedCommands   int
	Memory           memory.Stats
	RenderPasses     renderpass.Stats
	Shaders          cache.Stats
}

// Stats returns current device statistics.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	frame := d.frame
	d.mu.Unlock()
	return Stats{
		Frame:            frame,
		Completed:        d.Completed(),
		PendingDeletions: d.deletions.Len(),
		QueuedCommands:   d.commands.Len(),
		Memory:           d.memory.Stats(),
		RenderPasses:     d.passes.Stats(),
		Shaders:          d.shaders.Stats(),
	}
}

// Close waits a bounded time for in-flight work, drops cached objects,
// destroys every pool and released object and, unless the device is
// shared, the HAL device itself. Unsubmitted work is discarded. Close is
// safe to call more than once.
func (d *Device) Close() error {
	if !d.closing.CompareAndSwap(false, true) {
		return nil
	}

	d.mu.Lock()
	if d.rendering != nil {
		Logger().Warn("rhi: closing with rendering open", "frame", d.frame)
		d.rendering.release()
		d.rendering = nil
	}
	d.inFrame = false
	d.mu.Unlock()

	timeout := d.opts.fenceTimeout
	if !d.WaitIdle(timeout) {
		Logger().Warn("rhi: in-flight work did not complete before close", "timeout", timeout)
	}
	if !d.external {
		if err := d.device.WaitIdle(); err != nil {
			Logger().Warn("rhi: wait idle failed", "error", err)
		}
	}

	d.shaders.Clear()
	d.passes.Clear()
	for _, m := range d.managers {
		m.Destroy(timeout)
	}
	d.workers.Close()
	n := d.deletions.Flush()
	d.closed.Store(true)
	d.memory.Close()

	if !d.external {
		d.device.Destroy()
		if d.instance != nil {
			d.instance.Destroy()
			d.instance = nil
		}
	}
	Logger().Info("rhi: device closed", "id", d.id, "destroyed", n)
	return nil
}

// Closed reports whether Close has been called.
func (d *Device) Closed() bool { return d.closing.Load() }

func (d *Device) checkOpen() error {
	if d.closing.Load() {
		return ErrDeviceClosed
	}
	return nil
}
