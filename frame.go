package rhi

import (
	"github.com/gogpu/rhi/internal/fault"
	"github.com/gogpu/rhi/internal/rendercmd"
)

// BeginFrame opens a frame: it collects released objects whose last use
// has completed and refreshes the command buffer fences.
func (d *Device) BeginFrame() error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.inFrame {
		return fault.Violation(ErrFrameState, "BeginFrame inside frame %d", d.frame)
	}
	collected := d.Collect()
	for _, m := range d.managers {
		m.RefreshFenceStatus()
	}
	d.frame++
	d.inFrame = true
	Logger().Debug("rhi: frame begin", "frame", d.frame, "collected", collected)
	return nil
}

// EndFrame closes the frame. Rendering left open is ended with a warning,
// then the pending upload and active command buffers of every role are
// submitted, uploads first.
func (d *Device) EndFrame() error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.inFrame {
		return fault.Violation(ErrFrameState, "EndFrame outside a frame")
	}
	if d.rendering != nil {
		Logger().Warn("rhi: rendering left open at EndFrame", "frame", d.frame)
		if err := d.endRenderingLocked(); err != nil {
			return err
		}
	}
	d.inFrame = false
	err := d.flushLocked()
	d.Collect()
	return err
}

// NextFrame ends the current frame and begins the next one.
func (d *Device) NextFrame() error {
	if err := d.EndFrame(); err != nil {
		return err
	}
	return d.BeginFrame()
}

// Frame returns the number of frames begun.
func (d *Device) Frame() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frame
}

// InFrame reports whether a frame is open.
func (d *Device) InFrame() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFrame
}

// CommandFunc is a deferred render command. args is the block reserved by
// Enqueue.
type CommandFunc = rendercmd.Func

// Argument packing for deferred render commands.
type (
	ArgWriter = rendercmd.ArgWriter
	ArgReader = rendercmd.ArgReader
)

// Argument sizes in bytes.
const (
	SizeUint32  = rendercmd.SizeUint32
	SizeUint64  = rendercmd.SizeUint64
	SizeFloat32 = rendercmd.SizeFloat32
)

// NewArgWriter returns a little-endian writer over an argument block.
func NewArgWriter(block []byte) *ArgWriter { return rendercmd.NewArgWriter(block) }

// NewArgReader returns a reader over an argument block.
func NewArgReader(block []byte) *ArgReader { return rendercmd.NewArgReader(block) }

// Enqueue reserves a size-byte argument block for fn in the deferred
// render-command queue and returns it for the caller to fill. fn runs on
// the render goroutine during the next RenderCommands. Producers may
// enqueue concurrently with each other but not while RenderCommands runs.
//
// Example:
//
//	args := dev.Enqueue(func(args []byte) {
//	    pass.Draw(rhi.NewArgReader(args).Uint32(), 1, 0, 0)
//	}, rhi.SizeUint32)
//	rhi.NewArgWriter(args).Uint32(vertexCount)
func (d *Device) Enqueue(fn CommandFunc, size int) []byte {
	d.enqueueMu.Lock()
	defer d.enqueueMu.Unlock()
	return d.commands.Allocate(fn, size)
}

// EnqueueFunc records a deferred render command with no arguments.
func (d *Device) EnqueueFunc(fn func()) {
	d.enqueueMu.Lock()
	defer d.enqueueMu.Unlock()
	d.commands.Push(fn)
}

// RenderCommands runs every queued render command once, in the order
// enqueued, and empties the queue. It returns the number run.
func (d *Device) RenderCommands() int {
	return d.commands.Execute()
}

// RenderCommandQueue returns the deferred render-command queue.
func (d *Device) RenderCommandQueue() *rendercmd.Queue { return d.commands }
