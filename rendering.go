package rhi

import (
	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/internal/command"
	"github.com/gogpu/rhi/internal/fault"
	"github.com/gogpu/rhi/internal/memory"
	"github.com/gogpu/rhi/internal/renderpass"
)

// Render pass descriptions. A description is the structural cache key of
// a pass: attachment formats, sample count and load/store ops.
type (
	PassDescription = renderpass.Description
	ColorAttachment = renderpass.ColorAttachment
	DepthAttachment = renderpass.DepthAttachment
	Ops             = renderpass.Ops
	ClearValues     = renderpass.ClearValues
)

// Common attachment ops.
var (
	ClearStore = renderpass.ClearStore
	LoadStore  = renderpass.LoadStore
)

// RenderTarget is the set of textures a pass renders into. All
// attachments must have the same size.
type RenderTarget struct {
	Colors []*Texture
	// Resolves parallels Colors; nil entries have no resolve target.
	Resolves []*Texture
	Depth    *Texture
	Clear    ClearValues
}

func (t *RenderTarget) textures() []*Texture {
	out := make([]*Texture, 0, len(t.Colors)+len(t.Resolves)+1)
	for _, tex := range t.Colors {
		if tex != nil {
			out = append(out, tex)
		}
	}
	for _, tex := range t.Resolves {
		if tex != nil {
			out = append(out, tex)
		}
	}
	if t.Depth != nil {
		out = append(out, t.Depth)
	}
	return out
}

func (t *RenderTarget) resolve() (renderpass.Target, error) {
	var rt renderpass.Target
	all := t.textures()
	if len(all) == 0 {
		return rt, errors.Wrap(ErrTargetMismatch, "render target has no attachments")
	}
	rt.Width, rt.Height = all[0].width, all[0].height
	for _, tex := range all {
		if tex.width != rt.Width || tex.height != rt.Height {
			return rt, errors.Wrapf(ErrTargetMismatch, "attachment %q is %dx%d, target is %dx%d",
				tex.label, tex.width, tex.height, rt.Width, rt.Height)
		}
	}

	rt.Colors = make([]renderpass.Image, len(t.Colors))
	for i, tex := range t.Colors {
		if tex == nil {
			return rt, errors.Wrapf(ErrTargetMismatch, "color %d is nil", i)
		}
		rt.Colors[i] = tex.image()
	}
	if len(t.Resolves) > 0 {
		rt.Resolves = make([]renderpass.Image, len(t.Resolves))
		for i, tex := range t.Resolves {
			if tex != nil {
				rt.Resolves[i] = tex.image()
			}
		}
	}
	if t.Depth != nil {
		img := t.Depth.image()
		rt.Depth = &img
	}
	return rt, nil
}

// RenderPass records draw commands between BeginRendering and
// EndRendering. Resources bound through it are kept alive until the
// command buffer's submission completes.
type RenderPass struct {
	d     *Device
	cb    *command.Buffer
	enc   hal.RenderPassEncoder
	entry *renderpass.Entry
	pin   *renderpass.Pin
	ended bool
}

// BeginRendering opens a render pass on the graphics queue's active
// command buffer. The pass and its framebuffer come from the render-pass
// cache; the framebuffer stays alive until the submission that renders
// into it completes, even if it is evicted meanwhile.
func (d *Device) BeginRendering(desc *PassDescription, target *RenderTarget) (*RenderPass, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if desc == nil || target == nil {
		return nil, fault.Violation(ErrInvalidDescriptor, "BeginRendering(desc=%v, target=%v)", desc != nil, target != nil)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.inFrame {
		return nil, fault.Violation(ErrFrameState, "BeginRendering outside a frame")
	}
	if d.rendering != nil {
		return nil, fault.Violation(ErrFrameState, "BeginRendering while %q is open", d.rendering.entry.Framebuffer().Label())
	}

	rt, err := target.resolve()
	if err != nil {
		return nil, err
	}
	ref, err := d.passes.Get(desc, &rt)
	if err != nil {
		return nil, err
	}
	pin, ok := ref.Pin()
	if !ok {
		return nil, errors.AssertionFailedf("framebuffer %s evicted before use", ref.ID())
	}

	cb, err := d.managers[RoleGraphics].GetActiveCmdBuffer()
	if err != nil {
		pin.Release()
		return nil, err
	}
	fb := pin.Entry().Framebuffer()
	enc, err := cb.BeginRenderPass(fb.Descriptor(target.Clear))
	if err != nil {
		pin.Release()
		return nil, err
	}

	cb.Track(pin)
	for _, tex := range target.textures() {
		cb.Track(retainUse(tex.alloc))
	}
	w, h := fb.Extent()
	enc.SetViewport(0, 0, float32(w), float32(h), 0, 1)
	enc.SetScissorRect(0, 0, w, h)

	d.rendering = &RenderPass{d: d, cb: cb, enc: enc, entry: pin.Entry(), pin: pin}
	return d.rendering, nil
}

// EndRendering closes the open render pass.
func (d *Device) EndRendering() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.endRenderingLocked()
}

func (d *Device) endRenderingLocked() error {
	if d.rendering == nil {
		return fault.Violation(ErrFrameState, "EndRendering without BeginRendering")
	}
	p := d.rendering
	d.rendering = nil
	p.ended = true
	return p.cb.EndRenderPass()
}

// Rendering returns the open render pass, or nil.
func (d *Device) Rendering() *RenderPass {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rendering
}

// release drops the framebuffer pin of a pass that will never be
// submitted.
func (p *RenderPass) release() {
	p.ended = true
	p.pin.Release()
}

func (p *RenderPass) live(op string) bool {
	return fault.Assert(!p.ended, "%s on ended render pass %q", op, p.entry.Framebuffer().Label())
}

// Encoder returns the HAL encoder for commands not wrapped here.
func (p *RenderPass) Encoder() hal.RenderPassEncoder { return p.enc }

// Extent returns the framebuffer size in pixels.
func (p *RenderPass) Extent() (width, height uint32) { return p.entry.Framebuffer().Extent() }

// ColorFormats returns the color attachment formats of the pass.
func (p *RenderPass) ColorFormats() []gputypes.TextureFormat {
	desc := p.entry.Pass().Description()
	out := make([]gputypes.TextureFormat, len(desc.Colors))
	for i, c := range desc.Colors {
		out[i] = c.Format
	}
	return out
}

// SetPipeline binds a graphics pipeline.
func (p *RenderPass) SetPipeline(gp *GraphicsPipeline) {
	if !p.live("SetPipeline") || !fault.Assert(gp != nil, "SetPipeline(nil)") {
		return
	}
	p.enc.SetPipeline(gp.HAL())
	p.cb.Track(gp.track())
}

// SetVertexBuffer binds b at slot.
func (p *RenderPass) SetVertexBuffer(slot uint32, b *Buffer, offset uint64) {
	if !p.live("SetVertexBuffer") || !fault.Assert(b != nil, "SetVertexBuffer(nil)") {
		return
	}
	p.enc.SetVertexBuffer(slot, b.HAL(), offset)
	p.cb.Track(retainUse(b.alloc))
}

// SetIndexBuffer binds b as the index buffer.
func (p *RenderPass) SetIndexBuffer(b *Buffer, format gputypes.IndexFormat, offset uint64) {
	if !p.live("SetIndexBuffer") || !fault.Assert(b != nil, "SetIndexBuffer(nil)") {
		return
	}
	p.enc.SetIndexBuffer(b.HAL(), format, offset)
	p.cb.Track(retainUse(b.alloc))
}

// SetViewport sets the viewport. BeginRendering sets it to the full
// framebuffer.
func (p *RenderPass) SetViewport(x, y, width, height, minDepth, maxDepth float32) {
	if p.live("SetViewport") {
		p.enc.SetViewport(x, y, width, height, minDepth, maxDepth)
	}
}

// SetScissorRect sets the scissor rectangle.
func (p *RenderPass) SetScissorRect(x, y, width, height uint32) {
	if p.live("SetScissorRect") {
		p.enc.SetScissorRect(x, y, width, height)
	}
}

// Draw draws non-indexed primitives.
func (p *RenderPass) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	if p.live("Draw") {
		p.enc.Draw(vertexCount, instanceCount, firstVertex, firstInstance)
	}
}

// DrawIndexed draws indexed primitives.
func (p *RenderPass) DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32) {
	if p.live("DrawIndexed") {
		p.enc.DrawIndexed(indexCount, instanceCount, firstIndex, baseVertex, firstInstance)
	}
}

// allocUse holds a reference to an allocation for a recording command
// buffer. Submission stamps the allocation and drops the reference.
type allocUse struct {
	a *memory.Allocation
}

func retainUse(a *memory.Allocation) allocUse { return allocUse{a: a.Retain()} }

func (u allocUse) Use(epoch uint64) {
	u.a.Use(epoch)
	u.a.Release()
}

func (u allocUse) Release() { u.a.Release() }
