package renderpass

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Pass is a compiled render pass: the attachment layout pipelines are
// built against. It is immutable once created.
type Pass struct {
	key     string
	desc    Description
	targets []gputypes.ColorTargetState
}

func compilePass(key string, d *Description) *Pass {
	p := &Pass{key: key, desc: d.clone()}
	p.targets = make([]gputypes.ColorTargetState, len(d.Colors))
	for i, c := range d.Colors {
		p.targets[i] = gputypes.ColorTargetState{
			Format:    c.Format,
			WriteMask: gputypes.ColorWriteMaskAll,
		}
	}
	return p
}

// Description returns a copy of the description the pass was compiled from.
func (p *Pass) Description() Description { return p.desc.clone() }

// ColorTargets returns the pipeline color target states for the pass,
// applying blend to every target. blend may be nil.
func (p *Pass) ColorTargets(blend *gputypes.BlendState) []gputypes.ColorTargetState {
	out := append([]gputypes.ColorTargetState(nil), p.targets...)
	for i := range out {
		out[i].Blend = blend
	}
	return out
}

// DepthFormat returns the depth attachment format, or TextureFormatUndefined.
func (p *Pass) DepthFormat() gputypes.TextureFormat {
	if p.desc.Depth == nil {
		return gputypes.TextureFormatUndefined
	}
	return p.desc.Depth.Format
}

// Multisample returns the multisample state pipelines must use.
func (p *Pass) Multisample() gputypes.MultisampleState {
	return gputypes.MultisampleState{Count: p.desc.SampleCount(), Mask: ^uint64(0)}
}

// ClearValues are the per-frame clear values of a framebuffer. They are
// not part of any cache key.
type ClearValues struct {
	Colors  []gputypes.Color
	Depth   float32
	Stencil uint32
}

// Framebuffer binds a pass to texture views of one target.
//
// A framebuffer is destroyed only after the last submission that used it
// has completed; Use records that submission.
type Framebuffer struct {
	pass     *Pass
	label    string
	width    uint32
	height   uint32
	colors   []hal.TextureView
	resolves []hal.TextureView
	depth    hal.TextureView
	lastUse  atomic.Uint64
}

func buildFramebuffer(device hal.Device, pass *Pass, t *Target, label string) (*Framebuffer, error) {
	fb := &Framebuffer{
		pass:     pass,
		label:    label,
		width:    t.Width,
		height:   t.Height,
		colors:   make([]hal.TextureView, len(t.Colors)),
		resolves: make([]hal.TextureView, len(t.Colors)),
	}
	view := func(img Image, what string) (hal.TextureView, error) {
		v, err := device.CreateTextureView(img.Texture, &hal.TextureViewDescriptor{
			Label:           label + "/" + what,
			Format:          img.Format,
			Dimension:       gputypes.TextureViewDimension2D,
			Aspect:          gputypes.TextureAspectAll,
			MipLevelCount:   1,
			ArrayLayerCount: 1,
		})
		return v, errors.Wrapf(err, "framebuffer %q: %s view", label, what)
	}

	var err error
	for i, img := range t.Colors {
		if fb.colors[i], err = view(img, "color"); err != nil {
			fb.destroy(device)
			return nil, err
		}
		if i < len(t.Resolves) && t.Resolves[i].Texture != nil {
			if fb.resolves[i], err = view(t.Resolves[i], "resolve"); err != nil {
				fb.destroy(device)
				return nil, err
			}
		}
	}
	if t.Depth != nil {
		if fb.depth, err = view(*t.Depth, "depth"); err != nil {
			fb.destroy(device)
			return nil, err
		}
	}
	return fb, nil
}

// Pass returns the pass the framebuffer was built for.
func (f *Framebuffer) Pass() *Pass { return f.pass }

// Label returns the debug label.
func (f *Framebuffer) Label() string { return f.label }

// Extent returns the framebuffer size in pixels.
func (f *Framebuffer) Extent() (width, height uint32) { return f.width, f.height }

// Use records that the submission at epoch renders into the framebuffer.
func (f *Framebuffer) Use(epoch uint64) {
	for {
		cur := f.lastUse.Load()
		if epoch <= cur || f.lastUse.CompareAndSwap(cur, epoch) {
			return
		}
	}
}

// LastUse returns the latest submission epoch that used the framebuffer.
func (f *Framebuffer) LastUse() uint64 { return f.lastUse.Load() }

// Descriptor returns a render pass descriptor for beginning the pass.
// Missing clear colors default to transparent black.
func (f *Framebuffer) Descriptor(clear ClearValues) *hal.RenderPassDescriptor {
	d := &f.pass.desc
	desc := &hal.RenderPassDescriptor{
		Label:            f.label,
		ColorAttachments: make([]hal.RenderPassColorAttachment, len(f.colors)),
	}
	for i, v := range f.colors {
		a := hal.RenderPassColorAttachment{
			View:          v,
			ResolveTarget: f.resolves[i],
			LoadOp:        d.Colors[i].Ops.Load,
			StoreOp:       d.Colors[i].Ops.Store,
		}
		if i < len(clear.Colors) {
			a.ClearValue = clear.Colors[i]
		}
		desc.ColorAttachments[i] = a
	}
	if f.depth != nil {
		desc.DepthStencilAttachment = &hal.RenderPassDepthStencilAttachment{
			View:              f.depth,
			DepthLoadOp:       d.Depth.Depth.Load,
			DepthStoreOp:      d.Depth.Depth.Store,
			DepthClearValue:   clear.Depth,
			DepthReadOnly:     d.Depth.ReadOnly,
			StencilLoadOp:     d.Depth.Stencil.Load,
			StencilStoreOp:    d.Depth.Stencil.Store,
			StencilClearValue: clear.Stencil,
			StencilReadOnly:   d.Depth.ReadOnly,
		}
	}
	return desc
}

// destroy releases every view. Views never created are skipped.
func (f *Framebuffer) destroy(device hal.Device) {
	for i, v := range f.colors {
		if v != nil {
			device.DestroyTextureView(v)
			f.colors[i] = nil
		}
	}
	for i, v := range f.resolves {
		if v != nil {
			device.DestroyTextureView(v)
			f.resolves[i] = nil
		}
	}
	if f.depth != nil {
		device.DestroyTextureView(f.depth)
		f.depth = nil
	}
}
