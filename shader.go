package rhi

import (
	"encoding/binary"
	"hash/fnv"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/internal/fault"
	"github.com/gogpu/rhi/internal/handle"
	"github.com/gogpu/rhi/internal/renderpass"
)

// =============================================================================
// Shaders
// =============================================================================

// ShaderDescriptor describes a WGSL shader module.
type ShaderDescriptor struct {
	Label string
	WGSL  string
}

type shaderKey struct {
	hash  uint64
	size  int
	spirv bool
}

type shaderModule struct {
	label  string
	key    shaderKey
	words  int
	module hal.ShaderModule
}

// Shader is a reference-counted shader module. Modules are cached by
// source: creating a shader from the same WGSL twice returns the same
// module while it stays cached.
type Shader struct {
	ref *handle.Ref[*shaderModule]
}

// CreateShader returns the module for desc.WGSL, compiling it on a cache
// miss. With WithSPIRV the source is compiled to SPIR-V first.
func (d *Device) CreateShader(desc *ShaderDescriptor) (*Shader, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if desc == nil || desc.WGSL == "" {
		return nil, errors.Wrap(ErrInvalidDescriptor, "empty shader source")
	}
	key := shaderKey{hash: hashSource(desc.WGSL), size: len(desc.WGSL), spirv: d.opts.spirv}

	for {
		ref, created, err := d.shaders.GetOrCreate(key, func() (*handle.Ref[*shaderModule], error) {
			return d.compileShader(desc, key)
		})
		if err != nil {
			return nil, err
		}
		// The cached reference may be evicted concurrently; retry then.
		if strong, ok := ref.Weak().Upgrade(); ok {
			if created {
				Logger().Debug("rhi: shader compiled",
					"label", desc.Label, "spirv", key.spirv, "words", strong.Value().words)
			}
			return &Shader{ref: strong}, nil
		}
	}
}

func (d *Device) compileShader(desc *ShaderDescriptor, key shaderKey) (*handle.Ref[*shaderModule], error) {
	src := hal.ShaderSource{WGSL: desc.WGSL}
	if key.spirv {
		words, err := compileSPIRV(desc.WGSL)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "shader %q", desc.Label), ErrShaderCompile)
		}
		src = hal.ShaderSource{SPIRV: words}
	}
	module, err := d.device.CreateShaderModule(&hal.ShaderModuleDescriptor{Label: desc.Label, Source: src})
	if err != nil {
		return nil, errors.Wrapf(err, "create shader module %q", desc.Label)
	}
	m := &shaderModule{label: desc.Label, key: key, words: len(src.SPIRV), module: module}
	return d.shaderModules.Insert(m, d.releaseShader), nil
}

// releaseShader destroys a module no pipeline creation can reach anymore.
// Pipelines do not reference modules after creation.
func (d *Device) releaseShader(m *shaderModule) {
	d.retire(0, "shader "+m.label, func() {
		d.device.DestroyShaderModule(m.module)
	})
}

// compileSPIRV compiles WGSL to little-endian SPIR-V words.
func compileSPIRV(wgsl string) ([]uint32, error) {
	code, err := naga.Compile(wgsl)
	if err != nil {
		return nil, err
	}
	if len(code)%4 != 0 {
		return nil, errors.Newf("SPIR-V size %d is not a multiple of 4", len(code))
	}
	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(code[i*4:])
	}
	return words, nil
}

func hashSource(src string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(src))
	return h.Sum64()
}

// ID returns the module's handle ID.
func (s *Shader) ID() handle.ID { return s.ref.ID() }

// Label returns the debug label.
func (s *Shader) Label() string { return s.ref.Value().label }

// SPIRV reports whether the module was compiled to SPIR-V.
func (s *Shader) SPIRV() bool { return s.ref.Value().key.spirv }

// HAL returns the underlying HAL shader module.
func (s *Shader) HAL() hal.ShaderModule { return s.ref.Value().module }

// Refs returns the reference count, including the cache's.
func (s *Shader) Refs() int32 { return s.ref.Refs() }

// Retain adds a reference.
func (s *Shader) Retain() *Shader {
	s.ref.Retain()
	return s
}

// Release drops a reference.
func (s *Shader) Release() { s.ref.Release() }

// =============================================================================
// Graphics pipelines
// =============================================================================

// Default shader entry points.
const (
	DefaultVertexEntry   = "vs_main"
	DefaultFragmentEntry = "fs_main"
)

// GraphicsPipelineDescriptor describes a render pipeline. Attachment
// formats, sample count and color target states come from Pass.
type GraphicsPipelineDescriptor struct {
	Label string
	Pass  *PassDescription

	Vertex        *Shader
	VertexEntry   string
	Fragment      *Shader
	FragmentEntry string

	Buffers   []gputypes.VertexBufferLayout
	Primitive gputypes.PrimitiveState

	// Blend applies to every color target; nil disables blending.
	Blend *gputypes.BlendState

	DepthWrite   bool
	DepthCompare gputypes.CompareFunction
}

type pipeline struct {
	label   string
	pass    *renderpass.Pass
	layout  hal.PipelineLayout
	raw     hal.RenderPipeline
	lastUse atomic.Uint64
}

func (p *pipeline) Use(epoch uint64) {
	for {
		cur := p.lastUse.Load()
		if epoch <= cur || p.lastUse.CompareAndSwap(cur, epoch) {
			return
		}
	}
}

// GraphicsPipeline is a reference-counted render pipeline.
type GraphicsPipeline struct {
	ref *handle.Ref[*pipeline]
}

// CreateGraphicsPipeline creates a render pipeline compatible with every
// pass sharing desc.Pass's structure.
func (d *Device) CreateGraphicsPipeline(desc *GraphicsPipelineDescriptor) (*GraphicsPipeline, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if desc == nil || desc.Pass == nil || desc.Vertex == nil {
		return nil, errors.Wrap(ErrInvalidDescriptor, "pipeline needs a pass and a vertex shader")
	}
	pass, err := d.passes.Pass(desc.Pass)
	if err != nil {
		return nil, err
	}

	layout, err := d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{Label: desc.Label})
	if err != nil {
		return nil, errors.Wrapf(err, "create pipeline layout %q", desc.Label)
	}

	hd := &hal.RenderPipelineDescriptor{
		Label:  desc.Label,
		Layout: layout,
		Vertex: hal.VertexState{
			Module:     desc.Vertex.HAL(),
			EntryPoint: entryOr(desc.VertexEntry, DefaultVertexEntry),
			Buffers:    desc.Buffers,
		},
		Primitive:   desc.Primitive,
		Multisample: pass.Multisample(),
	}
	if format := pass.DepthFormat(); format != gputypes.TextureFormatUndefined {
		compare := desc.DepthCompare
		if compare == gputypes.CompareFunctionUndefined {
			compare = gputypes.CompareFunctionLess
		}
		keep := hal.StencilFaceState{
			Compare:     gputypes.CompareFunctionAlways,
			FailOp:      hal.StencilOperationKeep,
			DepthFailOp: hal.StencilOperationKeep,
			PassOp:      hal.StencilOperationKeep,
		}
		hd.DepthStencil = &hal.DepthStencilState{
			Format:            format,
			DepthWriteEnabled: desc.DepthWrite,
			DepthCompare:      compare,
			StencilFront:      keep,
			StencilBack:       keep,
			StencilReadMask:   0xFFFFFFFF,
			StencilWriteMask:  0xFFFFFFFF,
		}
	}
	if desc.Fragment != nil {
		hd.Fragment = &hal.FragmentState{
			Module:     desc.Fragment.HAL(),
			EntryPoint: entryOr(desc.FragmentEntry, DefaultFragmentEntry),
			Targets:    pass.ColorTargets(desc.Blend),
		}
	} else if hd.DepthStencil == nil {
		d.device.DestroyPipelineLayout(layout)
		return nil, fault.Violation(ErrInvalidDescriptor, "pipeline %q has no fragment stage and no depth attachment", desc.Label)
	}

	raw, err := d.device.CreateRenderPipeline(hd)
	if err != nil {
		d.device.DestroyPipelineLayout(layout)
		return nil, errors.Wrapf(err, "create render pipeline %q", desc.Label)
	}
	p := &pipeline{label: desc.Label, pass: pass, layout: layout, raw: raw}
	return &GraphicsPipeline{ref: d.pipelines.Insert(p, d.releasePipeline)}, nil
}

func entryOr(entry, def string) string {
	if entry == "" {
		return def
	}
	return entry
}

func (d *Device) releasePipeline(p *pipeline) {
	d.retire(p.lastUse.Load(), "pipeline "+p.label, func() {
		d.device.DestroyRenderPipeline(p.raw)
		d.device.DestroyPipelineLayout(p.layout)
	})
}

// ID returns the pipeline's handle ID.
func (gp *GraphicsPipeline) ID() handle.ID { return gp.ref.ID() }

// Label returns the debug label.
func (gp *GraphicsPipeline) Label() string { return gp.ref.Value().label }

// HAL returns the underlying HAL render pipeline.
func (gp *GraphicsPipeline) HAL() hal.RenderPipeline { return gp.ref.Value().raw }

// Pass returns the description the pipeline was created for.
func (gp *GraphicsPipeline) Pass() PassDescription { return gp.ref.Value().pass.Description() }

// LastUse returns the epoch of the latest submission that used the pipeline.
func (gp *GraphicsPipeline) LastUse() uint64 { return gp.ref.Value().lastUse.Load() }

// Refs returns the reference count.
func (gp *GraphicsPipeline) Refs() int32 { return gp.ref.Refs() }

// Retain adds a reference.
func (gp *GraphicsPipeline) Retain() *GraphicsPipeline {
	gp.ref.Retain()
	return gp
}

// Release drops a reference.
func (gp *GraphicsPipeline) Release() { gp.ref.Release() }

// track returns a tracker holding a reference until submission.
func (gp *GraphicsPipeline) track() pipelineUse {
	return pipelineUse{ref: gp.ref.Retain()}
}

type pipelineUse struct {
	ref *handle.Ref[*pipeline]
}

func (u pipelineUse) Use(epoch uint64) {
	u.ref.Value().Use(epoch)
	u.ref.Release()
}

func (u pipelineUse) Release() { u.ref.Release() }
