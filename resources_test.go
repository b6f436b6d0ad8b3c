package rhi

import (
	"bytes"
	"image"
	"image/color"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"

	"github.com/gogpu/rhi/internal/gputest"
)

// ============================================================================
// Buffers
// ============================================================================

func TestCreateBuffer(t *testing.T) {
	d, _ := newTestDevice(t)

	b, err := d.CreateBuffer(&BufferDescriptor{Label: "ub", Size: 256, Usage: gputypes.BufferUsageUniform})
	if err != nil {
		t.Fatalf("CreateBuffer() = %v", err)
	}
	defer b.Release()

	if b.Label() != "ub" || b.Size() != 256 {
		t.Errorf("Label()=%q Size()=%d", b.Label(), b.Size())
	}
	if b.Usage()&gputypes.BufferUsageCopyDst == 0 || b.Usage()&gputypes.BufferUsageUniform == 0 {
		t.Errorf("Usage() = %v, want Uniform|CopyDst", b.Usage())
	}
	if b.HostVisible() {
		t.Error("HostVisible() = true for a device-local buffer")
	}
	if b.HAL() == nil {
		t.Error("HAL() = nil")
	}
	if b.Retain().Refs() != 2 {
		t.Errorf("Refs() after Retain = %d, want 2", b.Refs())
	}
	b.Release()
}

func TestCreateBufferInvalid(t *testing.T) {
	d, _ := newTestDevice(t)
	for _, desc := range []*BufferDescriptor{nil, {Label: "empty"}} {
		if _, err := d.CreateBuffer(desc); !errors.Is(err, ErrInvalidDescriptor) {
			t.Errorf("CreateBuffer(%+v) = %v, want ErrInvalidDescriptor", desc, err)
		}
	}
}

func TestCreateBufferBudget(t *testing.T) {
	d, _ := newTestDevice(t, WithMemoryBudget(1))
	if _, err := d.CreateBuffer(&BufferDescriptor{Size: 2 << 20}); !errors.Is(err, ErrMemoryBudgetExceeded) {
		t.Fatalf("CreateBuffer(2 MiB) = %v, want ErrMemoryBudgetExceeded", err)
	}
}

func TestHostVisibleWrite(t *testing.T) {
	f := newFixture(t)
	d := f.dev

	b, err := d.CreateBuffer(&BufferDescriptor{Label: "dyn", Size: 16, HostVisible: true})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Release()

	want := []byte{1, 2, 3, 4}
	if err := b.Write(4, want); err != nil {
		t.Fatalf("Write() = %v", err)
	}
	if d.Commands(RoleGraphics).HasPendingUploadCmdBuffer() {
		t.Error("host-visible write recorded an upload")
	}
	mapped, err := b.alloc.Map()
	if err != nil {
		t.Fatal(err)
	}
	got := bytes.Clone(mapped[4:8])
	_ = b.alloc.Unmap()
	if !bytes.Equal(got, want) {
		t.Errorf("buffer contents = %v, want %v", got, want)
	}
}

func TestHostVisibleWriteInFlight(t *testing.T) {
	f := newFixture(t)
	d := f.dev
	color := newColorTarget(t, d, 4, 4)
	defer color.Release()

	b, _ := d.CreateBuffer(&BufferDescriptor{Label: "dyn", Size: 16, HostVisible: true, Usage: gputypes.BufferUsageVertex})
	defer b.Release()

	_ = d.BeginFrame()
	pass, err := d.BeginRendering(colorPass(), &RenderTarget{Colors: []*Texture{color}})
	if err != nil {
		t.Fatal(err)
	}
	pass.SetVertexBuffer(0, b, 0)
	_ = d.EndRendering()
	_ = d.EndFrame()

	faults := gputest.CaptureFaults(t, true)
	if err := b.Write(0, []byte{1}); !errors.Is(err, ErrResourceInFlight) {
		t.Fatalf("Write() while in flight = %v, want ErrResourceInFlight", err)
	}
	if faults.Len() != 1 {
		t.Errorf("faults = %d, want 1", faults.Len())
	}

	f.queue.CompleteAll()
	if err := b.Write(0, []byte{1}); err != nil {
		t.Errorf("Write() after completion = %v", err)
	}
}

func TestBufferWriteRecordsUpload(t *testing.T) {
	f := newFixture(t)
	d := f.dev

	b, _ := d.CreateBuffer(&BufferDescriptor{Label: "vb", Size: 64})
	defer b.Release()

	if err := b.Write(0, make([]byte, 48)); err != nil {
		t.Fatalf("Write() = %v", err)
	}
	if err := b.Write(48, make([]byte, 16)); err != nil {
		t.Fatalf("second Write() = %v", err)
	}
	if !d.Commands(RoleGraphics).HasPendingUploadCmdBuffer() {
		t.Fatal("no pending upload buffer after Write")
	}
	st := d.Memory().Stats()
	if st.Allocations != 3 || st.UsedBytes != 64+48+16 {
		t.Errorf("memory = %d allocations / %d bytes, want 3 / 128", st.Allocations, st.UsedBytes)
	}
	// The destination is held by the upload until submission.
	if b.Refs() != 3 {
		t.Errorf("Refs() = %d, want 3", b.Refs())
	}

	if err := d.Flush(); err != nil {
		t.Fatal(err)
	}
	if b.Refs() != 1 || b.LastUse() != 1 {
		t.Errorf("after submit Refs()=%d LastUse()=%d, want 1 1", b.Refs(), b.LastUse())
	}
	f.queue.CompleteAll()
	d.Collect()
	if st := d.Memory().Stats(); st.Allocations != 1 || st.PendingBytes != 0 {
		t.Errorf("memory after completion = %+v, want only the buffer", st)
	}
}

func TestBufferWriteOverrun(t *testing.T) {
	tests := []struct {
		name   string
		offset uint64
		size   int
	}{
		{"past end", 4, 8},
		{"offset past end", 9, 1},
		{"offset wraps", math.MaxUint64 - 2, 4},
	}
	d, _ := newTestDevice(t)
	for _, hostVisible := range []bool{false, true} {
		b, _ := d.CreateBuffer(&BufferDescriptor{Size: 8, HostVisible: hostVisible})
		for _, tt := range tests {
			if err := b.Write(tt.offset, make([]byte, tt.size)); !errors.Is(err, ErrInvalidDescriptor) {
				t.Errorf("%s: Write(hostVisible=%v) = %v, want ErrInvalidDescriptor", tt.name, hostVisible, err)
			}
		}
		if err := b.Write(0, nil); err != nil {
			t.Errorf("empty Write() = %v", err)
		}
		b.Release()
	}
}

func TestBufferWriteConcurrentWithFlush(t *testing.T) {
	f := newFixture(t)
	d := f.dev
	f.queue.SetAutoComplete(true)

	const writers, writes = 4, 16
	buffers := make([]*Buffer, writers)
	for i := range buffers {
		b, err := d.CreateBuffer(&BufferDescriptor{Size: 64})
		if err != nil {
			t.Fatal(err)
		}
		buffers[i] = b
	}

	var wg sync.WaitGroup
	errs := make(chan error, writers*writes)
	for _, b := range buffers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range writes {
				if err := b.Write(0, make([]byte, 64)); err != nil {
					errs <- err
				}
			}
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for flushing := true; flushing; {
		select {
		case <-done:
			flushing = false
		default:
		}
		if err := d.Flush(); err != nil {
			t.Fatalf("Flush() = %v", err)
		}
	}
	close(errs)
	for err := range errs {
		t.Errorf("Write() = %v", err)
	}

	if !d.WaitIdle(time.Second) {
		t.Fatal("WaitIdle() = false")
	}
	d.Collect()
	for _, b := range buffers {
		if b.Refs() != 1 {
			t.Errorf("Refs() = %d after all uploads submitted, want 1", b.Refs())
		}
	}
	if st := d.Memory().Stats(); st.Allocations != writers {
		t.Errorf("Allocations = %d, want %d", st.Allocations, writers)
	}
	for _, b := range buffers {
		b.Release()
	}
}

// ============================================================================
// Textures
// ============================================================================

func TestCreateTexture(t *testing.T) {
	d, _ := newTestDevice(t)

	tests := []struct {
		name       string
		desc       TextureDescriptor
		wantMips   uint32
		wantCopyTo bool
	}{
		{
			name:       "single level",
			desc:       TextureDescriptor{Width: 64, Height: 32, Format: gputypes.TextureFormatRGBA8Unorm},
			wantMips:   1,
			wantCopyTo: true,
		},
		{
			name:       "full chain",
			desc:       TextureDescriptor{Width: 256, Height: 128, Format: gputypes.TextureFormatRGBA8Unorm, MipLevels: AllMipLevels},
			wantMips:   9,
			wantCopyTo: true,
		},
		{
			name:     "depth",
			desc:     TextureDescriptor{Width: 16, Height: 16, Format: gputypes.TextureFormatDepth32Float, Usage: gputypes.TextureUsageRenderAttachment},
			wantMips: 1,
		},
		{
			name:     "multisampled",
			desc:     TextureDescriptor{Width: 16, Height: 16, Format: gputypes.TextureFormatRGBA8Unorm, Samples: 4, Usage: gputypes.TextureUsageRenderAttachment},
			wantMips: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tex, err := d.CreateTexture(&tt.desc)
			if err != nil {
				t.Fatalf("CreateTexture() = %v", err)
			}
			defer tex.Release()
			if tex.MipLevels() != tt.wantMips {
				t.Errorf("MipLevels() = %d, want %d", tex.MipLevels(), tt.wantMips)
			}
			if got := tex.Usage()&gputypes.TextureUsageCopyDst != 0; got != tt.wantCopyTo {
				t.Errorf("CopyDst = %v, want %v", got, tt.wantCopyTo)
			}
			if tex.Width() != tt.desc.Width || tex.Height() != tt.desc.Height || tex.Format() != tt.desc.Format {
				t.Errorf("texture = %dx%d %s", tex.Width(), tex.Height(), tex.Format())
			}
			if tex.SampleCount() != max(tt.desc.Samples, 1) {
				t.Errorf("SampleCount() = %d", tex.SampleCount())
			}
		})
	}
}

func TestCreateTextureInvalid(t *testing.T) {
	d, _ := newTestDevice(t)
	rgba := gputypes.TextureFormatRGBA8Unorm

	tests := []struct {
		name string
		desc *TextureDescriptor
	}{
		{"nil", nil},
		{"zero width", &TextureDescriptor{Height: 4, Format: rgba}},
		{"no format", &TextureDescriptor{Width: 4, Height: 4}},
		{"too many mips", &TextureDescriptor{Width: 4, Height: 4, Format: rgba, MipLevels: 4}},
		{"multisampled mips", &TextureDescriptor{Width: 4, Height: 4, Format: rgba, MipLevels: 2, Samples: 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := d.CreateTexture(tt.desc); !errors.Is(err, ErrInvalidDescriptor) {
				t.Errorf("CreateTexture() = %v, want ErrInvalidDescriptor", err)
			}
		})
	}
}

func TestTextureIDsUnique(t *testing.T) {
	d, _ := newTestDevice(t)
	a := newColorTarget(t, d, 2, 2)
	b := newColorTarget(t, d, 2, 2)
	defer a.Release()
	defer b.Release()
	if a.ID() == b.ID() {
		t.Errorf("texture IDs collide: %d", a.ID())
	}
}

func TestMipExtent(t *testing.T) {
	d, _ := newTestDevice(t)
	tex, _ := d.CreateTexture(&TextureDescriptor{Width: 16, Height: 4, Format: gputypes.TextureFormatRGBA8Unorm, MipLevels: AllMipLevels})
	defer tex.Release()

	want := [][2]uint32{{16, 4}, {8, 2}, {4, 1}, {2, 1}, {1, 1}}
	if tex.MipLevels() != uint32(len(want)) {
		t.Fatalf("MipLevels() = %d, want %d", tex.MipLevels(), len(want))
	}
	for level, w := range want {
		if gw, gh := tex.MipExtent(uint32(level)); gw != w[0] || gh != w[1] {
			t.Errorf("MipExtent(%d) = %dx%d, want %dx%d", level, gw, gh, w[0], w[1])
		}
	}
}

func TestTextureUpload(t *testing.T) {
	f := newFixture(t)
	d := f.dev
	tex, _ := d.CreateTexture(&TextureDescriptor{Label: "albedo", Width: 4, Height: 4, Format: gputypes.TextureFormatRGBA8Unorm})
	defer tex.Release()

	before := d.Memory().Stats().UsedBytes
	if err := tex.Upload(0, make([]byte, 4*4*4)); err != nil {
		t.Fatalf("Upload() = %v", err)
	}
	// Rows are padded to 256 bytes in the staging buffer.
	if got := d.Memory().Stats().UsedBytes - before; got != 4*textureRowAlignment {
		t.Errorf("staging bytes = %d, want %d", got, 4*textureRowAlignment)
	}
	if !d.Commands(RoleGraphics).HasPendingUploadCmdBuffer() {
		t.Error("no pending upload after Upload")
	}
	_ = d.Flush()
	if tex.LastUse() != 1 {
		t.Errorf("LastUse() = %d, want 1", tex.LastUse())
	}
}

func TestTextureUploadInvalid(t *testing.T) {
	d, _ := newTestDevice(t)
	color, _ := d.CreateTexture(&TextureDescriptor{Width: 4, Height: 4, Format: gputypes.TextureFormatRGBA8Unorm})
	depth := newDepthTarget(t, d, 4, 4)
	defer color.Release()
	defer depth.Release()

	tests := []struct {
		name  string
		tex   *Texture
		level uint32
		data  []byte
	}{
		{"level out of range", color, 1, make([]byte, 64)},
		{"short data", color, 0, make([]byte, 63)},
		{"not a copy destination", depth, 0, make([]byte, 64)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.tex.Upload(tt.level, tt.data); !errors.Is(err, ErrInvalidDescriptor) {
				t.Errorf("Upload() = %v, want ErrInvalidDescriptor", err)
			}
		})
	}
}

func TestUploadImage(t *testing.T) {
	f := newFixture(t)
	d := f.dev
	tex, _ := d.CreateTexture(&TextureDescriptor{
		Label:     "albedo",
		Width:     32,
		Height:    16,
		Format:    gputypes.TextureFormatRGBA8Unorm,
		MipLevels: AllMipLevels,
	})
	defer tex.Release()

	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for i := range img.Pix {
		img.Pix[i] = 0xFF
	}
	if err := tex.UploadImage(img); err != nil {
		t.Fatalf("UploadImage() = %v", err)
	}
	// One staging buffer per mip level.
	if got, want := d.Memory().Stats().Allocations, 1+int(tex.MipLevels()); got != want {
		t.Errorf("allocations = %d, want %d", got, want)
	}
}

func TestUploadImageInvalid(t *testing.T) {
	d, _ := newTestDevice(t)
	float, _ := d.CreateTexture(&TextureDescriptor{Width: 4, Height: 4, Format: gputypes.TextureFormatRGBA32Float})
	rgba, _ := d.CreateTexture(&TextureDescriptor{Width: 4, Height: 4, Format: gputypes.TextureFormatRGBA8Unorm})
	defer float.Release()
	defer rgba.Release()

	if err := float.UploadImage(image.NewRGBA(image.Rect(0, 0, 4, 4))); !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("UploadImage(float) = %v, want ErrInvalidDescriptor", err)
	}
	if err := rgba.UploadImage(nil); !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("UploadImage(nil) = %v, want ErrInvalidDescriptor", err)
	}
	small := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	small.Set(0, 0, color.White)
	if err := rgba.UploadImage(small); err != nil {
		t.Errorf("UploadImage(2x2 NRGBA) = %v", err)
	}
}
