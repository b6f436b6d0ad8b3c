package rhi

import (
	"image"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/internal/command"
	"github.com/gogpu/rhi/internal/fault"
	"github.com/gogpu/rhi/internal/memory"
	"github.com/gogpu/rhi/internal/renderpass"
)

// textureRowAlignment is the required BytesPerRow alignment of
// buffer-to-texture copies.
const textureRowAlignment = 256

// ============================================================================
// Buffer
// ============================================================================

// BufferDescriptor describes a GPU buffer.
type BufferDescriptor struct {
	Label string
	Size  uint64
	Usage gputypes.BufferUsage

	// HostVisible buffers are written directly through a mapping; others
	// are written through a staging copy on the graphics queue.
	HostVisible bool
}

// Buffer is a reference-counted GPU buffer. The creator holds one
// reference; the buffer is destroyed after the last Release once every
// submission that used it has completed.
type Buffer struct {
	d     *Device
	alloc *memory.Allocation
	usage gputypes.BufferUsage
}

// CreateBuffer creates a buffer backed by the memory manager. CopyDst is
// added to the usage so the buffer can be written.
func (d *Device) CreateBuffer(desc *BufferDescriptor) (*Buffer, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if desc == nil || desc.Size == 0 {
		return nil, errors.Wrap(ErrInvalidDescriptor, "buffer size is zero")
	}
	usage := desc.Usage | gputypes.BufferUsageCopyDst
	kind := memory.UsageGPUOnly
	if desc.HostVisible {
		kind = memory.UsageUpload
	}
	a, err := d.memory.Alloc(memory.Requirements{
		Label:       desc.Label,
		Size:        desc.Size,
		BufferUsage: usage,
	}, kind, desc.HostVisible)
	if err != nil {
		return nil, err
	}
	return &Buffer{d: d, alloc: a, usage: usage}, nil
}

// Label returns the debug label.
func (b *Buffer) Label() string { return b.alloc.Label() }

// Size returns the size in bytes.
func (b *Buffer) Size() uint64 { return b.alloc.Size() }

// Usage returns the buffer usage.
func (b *Buffer) Usage() gputypes.BufferUsage { return b.usage }

// HostVisible reports whether the buffer is written through a mapping.
func (b *Buffer) HostVisible() bool { return b.alloc.Mappable() }

// HAL returns the underlying HAL buffer.
func (b *Buffer) HAL() hal.Buffer { return b.alloc.Buffer() }

// LastUse returns the epoch of the latest submission that used the buffer.
func (b *Buffer) LastUse() uint64 { return b.alloc.LastUse() }

// Refs returns the reference count.
func (b *Buffer) Refs() int32 { return b.alloc.Refs() }

// Retain adds a reference.
func (b *Buffer) Retain() *Buffer {
	b.alloc.Retain()
	return b
}

// Release drops a reference.
func (b *Buffer) Release() { b.alloc.Release() }

// Write copies data into the buffer at offset. Host-visible buffers are
// written immediately and must not be in use by the GPU. Other buffers
// are written by a staging copy recorded into the graphics upload command
// buffer, which is submitted ahead of the next active command buffer.
func (b *Buffer) Write(offset uint64, data []byte) error {
	if err := b.d.checkOpen(); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	size := uint64(len(data))
	if offset > b.Size() || size > b.Size()-offset {
		return errors.Wrapf(ErrInvalidDescriptor, "write of %d bytes at %d overruns %q (%d bytes)",
			size, offset, b.Label(), b.Size())
	}

	if b.alloc.Mappable() {
		if last := b.alloc.LastUse(); last > b.d.Completed() {
			return fault.Violation(ErrResourceInFlight, "write to %q in use until epoch %d", b.Label(), last)
		}
		return b.alloc.Write(offset, data)
	}

	return b.d.upload(b.Label(), size, b.alloc,
		func(dst []byte) { copy(dst, data) },
		func(enc hal.CommandEncoder, src hal.Buffer) {
			enc.CopyBufferToBuffer(src, b.alloc.Buffer(), []hal.BufferCopy{{
				SrcOffset: 0,
				DstOffset: offset,
				Size:      size,
			}})
		})
}

// upload fills a staging buffer and records a copy out of it into the
// graphics upload command buffer. The staging buffer and dst are released
// by the submission that carries the copy.
func (d *Device) upload(label string, size uint64, dst *memory.Allocation,
	fill func([]byte), record func(hal.CommandEncoder, hal.Buffer)) error {
	staging, err := d.memory.Alloc(memory.Requirements{
		Label:       label + " staging",
		Size:        size,
		BufferUsage: gputypes.BufferUsageCopySrc,
	}, memory.UsageStaging, true)
	if err != nil {
		return err
	}
	mapped, err := staging.Map()
	if err != nil {
		staging.Release()
		return err
	}
	fill(mapped)
	if err := staging.Unmap(); err != nil {
		staging.Release()
		return err
	}

	err = d.managers[RoleGraphics].RecordUpload(func(cb *command.Buffer) {
		record(cb.Encoder(), staging.Buffer())
		cb.Track(allocUse{a: staging}, retainUse(dst))
		Logger().Debug("rhi: upload recorded", "label", label, "bytes", size, "buffer", cb.Label())
	})
	if err != nil {
		staging.Release()
	}
	return err
}

// ============================================================================
// Texture
// ============================================================================

// AllMipLevels requests a full mip chain down to 1x1.
const AllMipLevels = ^uint32(0)

// TextureDescriptor describes a 2D texture.
type TextureDescriptor struct {
	Label  string
	Width  uint32
	Height uint32
	Format gputypes.TextureFormat
	Usage  gputypes.TextureUsage

	// MipLevels is the number of mip levels; 0 means 1.
	MipLevels uint32

	// Samples is the sample count; 0 means 1.
	Samples uint32
}

// Texture is a reference-counted 2D texture.
type Texture struct {
	d       *Device
	alloc   *memory.Allocation
	id      uint64
	label   string
	width   uint32
	height  uint32
	mips    uint32
	samples uint32
	format  gputypes.TextureFormat
	usage   gputypes.TextureUsage
}

// CreateTexture creates a texture backed by the memory manager. Color
// textures get CopyDst added to their usage so they can be uploaded.
func (d *Device) CreateTexture(desc *TextureDescriptor) (*Texture, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if desc == nil || desc.Width == 0 || desc.Height == 0 {
		return nil, errors.Wrap(ErrInvalidDescriptor, "texture extent is zero")
	}
	if desc.Format == gputypes.TextureFormatUndefined {
		return nil, errors.Wrapf(ErrInvalidDescriptor, "texture %q has no format", desc.Label)
	}

	mips := desc.MipLevels
	switch mips {
	case 0:
		mips = 1
	case AllMipLevels:
		mips = memory.MipLevelCount(desc.Width, desc.Height)
	}
	if full := memory.MipLevelCount(desc.Width, desc.Height); mips > full {
		return nil, errors.Wrapf(ErrInvalidDescriptor, "texture %q: %d mip levels, at most %d", desc.Label, mips, full)
	}
	samples := max(desc.Samples, 1)
	if samples > 1 && mips > 1 {
		return nil, errors.Wrapf(ErrInvalidDescriptor, "texture %q: multisampled with %d mip levels", desc.Label, mips)
	}

	usage := desc.Usage
	if !desc.Format.IsDepthStencil() && samples == 1 {
		usage |= gputypes.TextureUsageCopyDst
	}
	id := d.nextImage.Add(1)
	a, err := d.memory.Alloc(memory.Requirements{
		Label: desc.Label,
		// Cached framebuffers must not outlive the image they view.
		OnRetire: func() { d.passes.EvictImage(id) },
		Texture: &hal.TextureDescriptor{
			Label:         desc.Label,
			Size:          hal.Extent3D{Width: desc.Width, Height: desc.Height, DepthOrArrayLayers: 1},
			MipLevelCount: mips,
			SampleCount:   samples,
			Dimension:     gputypes.TextureDimension2D,
			Format:        desc.Format,
			Usage:         usage,
		},
	}, memory.UsageGPUOnly, false)
	if err != nil {
		return nil, err
	}
	return &Texture{
		d:       d,
		alloc:   a,
		id:      id,
		label:   desc.Label,
		width:   desc.Width,
		height:  desc.Height,
		mips:    mips,
		samples: samples,
		format:  desc.Format,
		usage:   usage,
	}, nil
}

// ID returns the device-unique texture identifier.
func (t *Texture) ID() uint64 { return t.id }

// Label returns the debug label.
func (t *Texture) Label() string { return t.label }

// Width returns the width of mip level 0.
func (t *Texture) Width() uint32 { return t.width }

// Height returns the height of mip level 0.
func (t *Texture) Height() uint32 { return t.height }

// Format returns the texel format.
func (t *Texture) Format() gputypes.TextureFormat { return t.format }

// Usage returns the texture usage.
func (t *Texture) Usage() gputypes.TextureUsage { return t.usage }

// MipLevels returns the number of mip levels.
func (t *Texture) MipLevels() uint32 { return t.mips }

// SampleCount returns the sample count.
func (t *Texture) SampleCount() uint32 { return t.samples }

// HAL returns the underlying HAL texture.
func (t *Texture) HAL() hal.Texture { return t.alloc.Texture() }

// LastUse returns the epoch of the latest submission that used the texture.
func (t *Texture) LastUse() uint64 { return t.alloc.LastUse() }

// Refs returns the reference count.
func (t *Texture) Refs() int32 { return t.alloc.Refs() }

// Retain adds a reference.
func (t *Texture) Retain() *Texture {
	t.alloc.Retain()
	return t
}

// Release drops a reference.
func (t *Texture) Release() { t.alloc.Release() }

func (t *Texture) image() renderpass.Image {
	return renderpass.Image{ID: t.id, Texture: t.alloc.Texture(), Format: t.format}
}

// MipExtent returns the size of mip level.
func (t *Texture) MipExtent(level uint32) (width, height uint32) {
	return max(t.width>>level, 1), max(t.height>>level, 1)
}

// Upload writes tightly packed texel rows into mip level through a
// staging copy on the graphics queue.
func (t *Texture) Upload(level uint32, data []byte) error {
	if err := t.d.checkOpen(); err != nil {
		return err
	}
	if level >= t.mips {
		return errors.Wrapf(ErrInvalidDescriptor, "texture %q: mip level %d of %d", t.label, level, t.mips)
	}
	if t.usage&gputypes.TextureUsageCopyDst == 0 {
		return errors.Wrapf(ErrInvalidDescriptor, "texture %q is not a copy destination", t.label)
	}
	texel := memory.TexelSize(t.format)
	if texel == 0 {
		return errors.Wrapf(ErrInvalidDescriptor, "texture %q: format %s cannot be uploaded", t.label, t.format)
	}
	w, h := t.MipExtent(level)
	row := uint64(w) * texel
	if uint64(len(data)) != row*uint64(h) {
		return errors.Wrapf(ErrInvalidDescriptor, "texture %q level %d: %d bytes, want %d",
			t.label, level, len(data), row*uint64(h))
	}
	stride := (row + textureRowAlignment - 1) &^ (textureRowAlignment - 1)

	return t.d.upload(t.label, stride*uint64(h), t.alloc,
		func(dst []byte) {
			for y := range uint64(h) {
				copy(dst[y*stride:y*stride+row], data[y*row:(y+1)*row])
			}
		},
		func(enc hal.CommandEncoder, src hal.Buffer) {
			enc.CopyBufferToTexture(src, t.alloc.Texture(), []hal.BufferTextureCopy{{
				BufferLayout: hal.ImageDataLayout{
					BytesPerRow:  uint32(stride), //nolint:gosec // row of a 2D texture fits uint32
					RowsPerImage: h,
				},
				TextureBase: hal.ImageCopyTexture{
					Texture:  t.alloc.Texture(),
					MipLevel: level,
					Aspect:   gputypes.TextureAspectAll,
				},
				Size: hal.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1},
			}})
		})
}

// UploadImage scales img to the texture size and uploads it together with
// a generated mip chain for every level of the texture. The texture must
// have an 8-bit RGBA format.
func (t *Texture) UploadImage(img image.Image) error {
	if t.format != gputypes.TextureFormatRGBA8Unorm && t.format != gputypes.TextureFormatRGBA8UnormSrgb {
		return errors.Wrapf(ErrInvalidDescriptor, "texture %q: UploadImage needs RGBA8, have %s", t.label, t.format)
	}
	if img == nil || img.Bounds().Empty() {
		return errors.Wrapf(ErrInvalidDescriptor, "texture %q: empty image", t.label)
	}
	levels := generateMips(t.d.workers, img, t.width, t.height, t.mips)
	for i, lvl := range levels {
		if err := t.Upload(uint32(i), lvl.Pix); err != nil { //nolint:gosec // mip count fits uint32
			return err
		}
	}
	return nil
}
