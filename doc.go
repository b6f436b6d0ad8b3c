// Package rhi is the command-execution and synchronization layer of a
// rendering hardware interface built on gogpu/wgpu/hal.
//
// # Overview
//
// rhi turns draw and copy requests into ordered, fence-synchronized command
// buffer submissions. A Device is the explicit context every resource and
// command buffer is created from; there are no global devices or
// allocators.
//
// # Quick Start
//
//	import (
//	    "github.com/gogpu/gputypes"
//	    "github.com/gogpu/rhi"
//	    _ "github.com/gogpu/wgpu/hal/noop"
//	)
//
//	dev, err := rhi.Open(gputypes.BackendEmpty)
//	if err != nil {
//	    return err
//	}
//	defer dev.Close()
//
//	color, _ := dev.CreateTexture(&rhi.TextureDescriptor{
//	    Width: 640, Height: 480,
//	    Format: gputypes.TextureFormatRGBA8Unorm,
//	    Usage:  gputypes.TextureUsageRenderAttachment,
//	})
//	desc := &rhi.PassDescription{
//	    Colors: []rhi.ColorAttachment{{Format: color.Format(), Ops: rhi.ClearStore}},
//	}
//
//	dev.BeginFrame()
//	pass, _ := dev.BeginRendering(desc, &rhi.RenderTarget{Colors: []*rhi.Texture{color}})
//	pass.SetPipeline(pipeline)
//	pass.Draw(3, 1, 0, 0)
//	dev.EndRendering()
//	dev.EndFrame()
//
// # Architecture
//
// The root package wires the internal layers:
//   - internal/command: command buffer state machine, pools, queues and the
//     per-queue manager of active and upload buffers
//   - internal/gpusync: fences, semaphores and queue timelines
//   - internal/memory: allocations, budget, JSON usage dump
//   - internal/deletion: epoch-driven deferred destruction
//   - internal/renderpass: pass and framebuffer caches
//   - internal/rendercmd: deferred render-command arena
//   - internal/parallel: CPU worker pool for mip generation
//   - internal/fault: contract violations and fatal driver errors
//
// # Lifetimes
//
// Buffers, textures, shaders and pipelines are reference counted. Objects
// referenced by a recording command buffer are retained until its
// submission stamps them with the submission index; after the last Release
// they are destroyed once that index completes. Device.BeginFrame collects
// them.
//
// # Logging
//
// rhi logs through log/slog and is silent by default. See SetLogger.
package rhi
