// Package renderpass caches render passes and framebuffers keyed by their
// structural description.
//
// A [Pass] depends only on attachment formats, sample count and load/store
// operations, so pipelines built against one pass stay compatible with every
// target of the same shape. A [Framebuffer] binds a pass to concrete texture
// views and an extent. [Cache] keeps both levels: the pass-only level is
// unbounded, the framebuffer level is an LRU whose evictions are destroyed
// once the GPU has finished with them.
package renderpass

import (
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// MaxColorAttachments is the largest number of color attachments a pass may have.
const MaxColorAttachments = 8

// Errors returned by description and target validation.
var (
	ErrInvalidDescription = errors.New("renderpass: invalid description")
	ErrTargetMismatch     = errors.New("renderpass: target does not match description")
)

// Ops holds the load and store operations of an attachment aspect.
type Ops struct {
	Load  gputypes.LoadOp
	Store gputypes.StoreOp
}

// ClearStore clears on load and stores the result.
var ClearStore = Ops{Load: gputypes.LoadOpClear, Store: gputypes.StoreOpStore}

// LoadStore keeps the previous contents and stores the result.
var LoadStore = Ops{Load: gputypes.LoadOpLoad, Store: gputypes.StoreOpStore}

// ColorAttachment describes one color attachment of a pass.
type ColorAttachment struct {
	Format gputypes.TextureFormat
	Ops    Ops

	// ResolveFormat is the format of the single-sample resolve target,
	// or TextureFormatUndefined for none. Only valid with Samples > 1.
	ResolveFormat gputypes.TextureFormat
}

// DepthAttachment describes the depth/stencil attachment of a pass.
type DepthAttachment struct {
	Format   gputypes.TextureFormat
	Depth    Ops
	Stencil  Ops
	ReadOnly bool
}

// Description is the structural key of a pass. Label is not part of the key.
type Description struct {
	Label   string
	Colors  []ColorAttachment
	Depth   *DepthAttachment
	Samples uint32
}

// SampleCount returns Samples, treating 0 as 1.
func (d *Description) SampleCount() uint32 {
	if d.Samples == 0 {
		return 1
	}
	return d.Samples
}

// Validate checks the description for internal consistency.
func (d *Description) Validate() error {
	if len(d.Colors) == 0 && d.Depth == nil {
		return errors.Wrap(ErrInvalidDescription, "no attachments")
	}
	if len(d.Colors) > MaxColorAttachments {
		return errors.Wrapf(ErrInvalidDescription, "%d color attachments, max %d",
			len(d.Colors), MaxColorAttachments)
	}
	switch d.SampleCount() {
	case 1, 2, 4, 8, 16:
	default:
		return errors.Wrapf(ErrInvalidDescription, "sample count %d", d.Samples)
	}
	for i, c := range d.Colors {
		if c.Format == gputypes.TextureFormatUndefined || c.Format.IsDepthStencil() {
			return errors.Wrapf(ErrInvalidDescription, "color %d: format %s", i, c.Format)
		}
		if c.ResolveFormat != gputypes.TextureFormatUndefined && d.SampleCount() == 1 {
			return errors.Wrapf(ErrInvalidDescription, "color %d: resolve without multisampling", i)
		}
	}
	if d.Depth != nil && !d.Depth.Format.IsDepthStencil() {
		return errors.Wrapf(ErrInvalidDescription, "depth format %s", d.Depth.Format)
	}
	return nil
}

// clone returns a deep copy so cached passes do not alias caller slices.
func (d *Description) clone() Description {
	c := *d
	c.Colors = append([]ColorAttachment(nil), d.Colors...)
	if d.Depth != nil {
		depth := *d.Depth
		c.Depth = &depth
	}
	return c
}

func (d *Description) appendKey(b []byte) []byte {
	b = append(b, 's')
	b = strconv.AppendUint(b, uint64(d.SampleCount()), 10)
	for _, c := range d.Colors {
		b = append(b, "|c"...)
		b = appendUints(b, uint64(c.Format), uint64(c.Ops.Load), uint64(c.Ops.Store), uint64(c.ResolveFormat))
	}
	if d.Depth != nil {
		ro := uint64(0)
		if d.Depth.ReadOnly {
			ro = 1
		}
		b = append(b, "|d"...)
		b = appendUints(b, uint64(d.Depth.Format),
			uint64(d.Depth.Depth.Load), uint64(d.Depth.Depth.Store),
			uint64(d.Depth.Stencil.Load), uint64(d.Depth.Stencil.Store), ro)
	}
	return b
}

func appendUints(b []byte, vs ...uint64) []byte {
	for i, v := range vs {
		if i > 0 {
			b = append(b, ',')
		}
		b = strconv.AppendUint(b, v, 10)
	}
	return b
}

// Image is an attachment image. ID is the identity the framebuffer is
// cached under and must not be reused for another texture while cached.
type Image struct {
	ID      uint64
	Texture hal.Texture
	Format  gputypes.TextureFormat
}

// Target is the set of images a pass renders into.
type Target struct {
	Colors []Image
	// Resolves parallels Colors; an entry with a nil Texture means no resolve.
	Resolves []Image
	Depth    *Image
	Width    uint32
	Height   uint32
}

func (t *Target) imageIDs() []uint64 {
	ids := make([]uint64, 0, len(t.Colors)+len(t.Resolves)+1)
	for _, img := range t.Colors {
		ids = append(ids, img.ID)
	}
	for _, img := range t.Resolves {
		if img.Texture != nil {
			ids = append(ids, img.ID)
		}
	}
	if t.Depth != nil {
		ids = append(ids, t.Depth.ID)
	}
	return ids
}

func (t *Target) validate(d *Description) error {
	if t.Width == 0 || t.Height == 0 {
		return errors.Wrapf(ErrTargetMismatch, "extent %dx%d", t.Width, t.Height)
	}
	if len(t.Colors) != len(d.Colors) {
		return errors.Wrapf(ErrTargetMismatch, "%d color images for %d attachments",
			len(t.Colors), len(d.Colors))
	}
	for i, img := range t.Colors {
		if img.Texture == nil || img.Format != d.Colors[i].Format {
			return errors.Wrapf(ErrTargetMismatch, "color %d: %s image for %s attachment",
				i, img.Format, d.Colors[i].Format)
		}
		wantResolve := d.Colors[i].ResolveFormat != gputypes.TextureFormatUndefined
		hasResolve := i < len(t.Resolves) && t.Resolves[i].Texture != nil
		if wantResolve != hasResolve {
			return errors.Wrapf(ErrTargetMismatch, "color %d: resolve image presence", i)
		}
		if hasResolve && t.Resolves[i].Format != d.Colors[i].ResolveFormat {
			return errors.Wrapf(ErrTargetMismatch, "color %d: resolve format %s, want %s",
				i, t.Resolves[i].Format, d.Colors[i].ResolveFormat)
		}
	}
	switch {
	case (t.Depth == nil) != (d.Depth == nil):
		return errors.Wrap(ErrTargetMismatch, "depth image presence")
	case t.Depth != nil && (t.Depth.Texture == nil || t.Depth.Format != d.Depth.Format):
		return errors.Wrapf(ErrTargetMismatch, "depth image format %s, want %s",
			t.Depth.Format, d.Depth.Format)
	}
	return nil
}

func (t *Target) appendKey(b []byte) []byte {
	b = append(b, "|e"...)
	b = appendUints(b, uint64(t.Width), uint64(t.Height))
	for i, img := range t.Colors {
		b = append(b, "|i"...)
		b = strconv.AppendUint(b, img.ID, 10)
		if i < len(t.Resolves) && t.Resolves[i].Texture != nil {
			b = append(b, '>')
			b = strconv.AppendUint(b, t.Resolves[i].ID, 10)
		}
	}
	if t.Depth != nil {
		b = append(b, "|z"...)
		b = strconv.AppendUint(b, t.Depth.ID, 10)
	}
	return b
}
