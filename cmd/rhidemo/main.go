// Command rhidemo drives frames through the rhi command layer on the noop
// backend and reports device statistics.
package main

import (
	"flag"
	"image"
	"image/color"
	"log"
	"log/slog"
	"os"
	"sync"

	"github.com/gogpu/gputypes"
	_ "github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/rhi"
)

const triangleWGSL = `
@vertex
fn vs_main(@builtin(vertex_index) i: u32) -> @builtin(position) vec4<f32> {
    let x = f32(i32(i) - 1);
    let y = f32(i32(i & 1u) * 2 - 1);
    return vec4<f32>(x, y, 0.0, 1.0);
}

@fragment
fn fs_main() -> @location(0) vec4<f32> {
    return vec4<f32>(1.0, 0.5, 0.0, 1.0);
}
`

func main() {
	var (
		width     = flag.Int("width", 800, "render target width")
		height    = flag.Int("height", 600, "render target height")
		frames    = flag.Int("frames", 60, "number of frames to render")
		producers = flag.Int("producers", 4, "goroutines enqueuing draws per frame")
		spirv     = flag.Bool("spirv", false, "compile shaders to SPIR-V with naga")
		budget    = flag.Int("budget", 0, "memory budget in MiB (0 = default, negative = unlimited)")
		verbose   = flag.Bool("v", false, "log debug output to stderr")
		dump      = flag.Bool("dump", false, "print the memory usage JSON on exit")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	dev, err := rhi.Open(gputypes.BackendEmpty,
		rhi.WithLogger(logger),
		rhi.WithSPIRV(*spirv),
		rhi.WithMemoryBudget(*budget),
	)
	if err != nil {
		log.Fatalf("open device: %v", err)
	}
	defer func() {
		if err := dev.Close(); err != nil {
			log.Printf("close: %v", err)
		}
	}()

	s, err := newScene(dev, uint32(*width), uint32(*height)) //nolint:gosec // flag values
	if err != nil {
		log.Fatalf("setup: %v", err)
	}
	defer s.release()

	for i := 0; i < *frames; i++ {
		if err := s.frame(*producers); err != nil {
			log.Fatalf("frame %d: %v", i, err)
		}
	}
	if !dev.WaitIdle(rhi.DefaultFenceTimeout) {
		log.Printf("device did not drain within %v", rhi.DefaultFenceTimeout)
	}

	st := dev.Stats()
	log.Printf("rendered %d frames on %q: completed=%d pending deletions=%d",
		st.Frame, dev.AdapterInfo().Name, st.Completed, st.PendingDeletions)
	log.Printf("memory: %s", st.Memory)
	log.Printf("render passes: hits=%d misses=%d framebuffers=%d",
		st.RenderPasses.Hits, st.RenderPasses.Misses, st.RenderPasses.Framebuffers)
	log.Printf("shaders: %d cached, hit rate %.2f", st.Shaders.Len, st.Shaders.HitRate)
	if *dump {
		os.Stdout.Write(dev.Memory().DumpJSON())
		os.Stdout.WriteString("\n")
	}
}

type scene struct {
	dev      *rhi.Device
	color    *rhi.Texture
	depth    *rhi.Texture
	albedo   *rhi.Texture
	vertices *rhi.Buffer
	pipeline *rhi.GraphicsPipeline
	desc     *rhi.PassDescription
}

func newScene(dev *rhi.Device, width, height uint32) (*scene, error) {
	s := &scene{dev: dev}
	s.desc = &rhi.PassDescription{
		Label:  "main",
		Colors: []rhi.ColorAttachment{{Format: gputypes.TextureFormatRGBA8Unorm, Ops: rhi.ClearStore}},
		Depth:  &rhi.DepthAttachment{Format: gputypes.TextureFormatDepth32Float, Depth: rhi.ClearStore},
	}

	var err error
	if s.color, err = dev.CreateTexture(&rhi.TextureDescriptor{
		Label: "color", Width: width, Height: height,
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc,
	}); err != nil {
		return nil, err
	}
	if s.depth, err = dev.CreateTexture(&rhi.TextureDescriptor{
		Label: "depth", Width: width, Height: height,
		Format: gputypes.TextureFormatDepth32Float,
		Usage:  gputypes.TextureUsageRenderAttachment,
	}); err != nil {
		return nil, err
	}
	if s.albedo, err = dev.CreateTexture(&rhi.TextureDescriptor{
		Label: "albedo", Width: 256, Height: 256,
		Format:    gputypes.TextureFormatRGBA8Unorm,
		Usage:     gputypes.TextureUsageTextureBinding,
		MipLevels: rhi.AllMipLevels,
	}); err != nil {
		return nil, err
	}
	if err := s.albedo.UploadImage(checker(512, 32)); err != nil {
		return nil, err
	}

	if s.vertices, err = dev.CreateBuffer(&rhi.BufferDescriptor{
		Label: "vertices", Size: 3 * 4 * 4,
		Usage: gputypes.BufferUsageVertex,
	}); err != nil {
		return nil, err
	}
	data := make([]byte, 3*4*4)
	verts := rhi.NewArgWriter(data)
	for _, v := range [][4]float32{{-1, -1, 0, 1}, {1, -1, 0, 1}, {0, 1, 0, 1}} {
		for _, c := range v {
			verts.Float32(c)
		}
	}
	if err := s.vertices.Write(0, data); err != nil {
		return nil, err
	}

	shader, err := dev.CreateShader(&rhi.ShaderDescriptor{Label: "triangle", WGSL: triangleWGSL})
	if err != nil {
		return nil, err
	}
	defer shader.Release()
	s.pipeline, err = dev.CreateGraphicsPipeline(&rhi.GraphicsPipelineDescriptor{
		Label:      "triangle",
		Pass:       s.desc,
		Vertex:     shader,
		Fragment:   shader,
		Primitive:  gputypes.PrimitiveState{Topology: gputypes.PrimitiveTopologyTriangleList},
		DepthWrite: true,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *scene) frame(producers int) error {
	if err := s.dev.BeginFrame(); err != nil {
		return err
	}
	pass, err := s.dev.BeginRendering(s.desc, &rhi.RenderTarget{
		Colors: []*rhi.Texture{s.color},
		Depth:  s.depth,
		Clear:  rhi.ClearValues{Colors: []gputypes.Color{{R: 0.1, G: 0.1, B: 0.2, A: 1}}, Depth: 1},
	})
	if err != nil {
		return err
	}
	pass.SetPipeline(s.pipeline)
	pass.SetVertexBuffer(0, s.vertices, 0)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(instance uint32) {
			defer wg.Done()
			args := s.dev.Enqueue(func(args []byte) {
				r := rhi.NewArgReader(args)
				pass.Draw(r.Uint32(), 1, 0, r.Uint32())
			}, 2*rhi.SizeUint32)
			rhi.NewArgWriter(args).Uint32(3).Uint32(instance)
		}(uint32(p)) //nolint:gosec // small loop index
	}
	wg.Wait()
	s.dev.RenderCommands()

	if err := s.dev.EndRendering(); err != nil {
		return err
	}
	return s.dev.EndFrame()
}

func (s *scene) release() {
	for _, r := range []interface{ Release() }{s.pipeline, s.vertices, s.albedo, s.depth, s.color} {
		r.Release()
	}
}

func checker(size, cell int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			c := color.RGBA{R: 40, G: 40, B: 40, A: 255}
			if (x/cell+y/cell)%2 == 0 {
				c = color.RGBA{R: 220, G: 220, B: 220, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}
