package rhi

import (
	"testing"
	"time"

	"github.com/gogpu/rhi/internal/command"
	"github.com/gogpu/rhi/internal/memory"
	"github.com/gogpu/rhi/internal/rendercmd"
	"github.com/gogpu/rhi/internal/renderpass"
)

func TestDefaultOptions(t *testing.T) {
	o := buildOptions(nil)

	if o.memoryBudgetMB != memory.DefaultBudgetMB {
		t.Errorf("memoryBudgetMB = %d, want %d", o.memoryBudgetMB, memory.DefaultBudgetMB)
	}
	if o.commandCapacity != rendercmd.DefaultCapacity {
		t.Errorf("commandCapacity = %d, want %d", o.commandCapacity, rendercmd.DefaultCapacity)
	}
	if o.commandEntries != rendercmd.DefaultMaxEntries {
		t.Errorf("commandEntries = %d, want %d", o.commandEntries, rendercmd.DefaultMaxEntries)
	}
	if o.maxCommandBuffers != command.DefaultMaxBuffers {
		t.Errorf("maxCommandBuffers = %d, want %d", o.maxCommandBuffers, command.DefaultMaxBuffers)
	}
	if o.fenceTimeout != DefaultFenceTimeout {
		t.Errorf("fenceTimeout = %v, want %v", o.fenceTimeout, DefaultFenceTimeout)
	}
	if o.framebufferLimit != renderpass.DefaultFramebufferLimit {
		t.Errorf("framebufferLimit = %d, want %d", o.framebufferLimit, renderpass.DefaultFramebufferLimit)
	}
	if o.shaderCacheLimit != DefaultShaderCacheLimit {
		t.Errorf("shaderCacheLimit = %d, want %d", o.shaderCacheLimit, DefaultShaderCacheLimit)
	}
	if o.debug || o.spirv || o.logger != nil {
		t.Errorf("debug=%v spirv=%v logger=%v, want zero values", o.debug, o.spirv, o.logger)
	}
	for role, family := range o.families {
		if family != 0 {
			t.Errorf("family[%s] = %d, want 0", Role(role), family)
		}
	}
}

func TestOptions(t *testing.T) {
	tests := []struct {
		name  string
		opt   Option
		check func(t *testing.T, o options)
	}{
		{"memory budget", WithMemoryBudget(64), func(t *testing.T, o options) {
			if o.memoryBudgetMB != 64 {
				t.Errorf("memoryBudgetMB = %d, want 64", o.memoryBudgetMB)
			}
		}},
		{"unlimited memory", WithMemoryBudget(-1), func(t *testing.T, o options) {
			if o.memoryBudgetMB != -1 {
				t.Errorf("memoryBudgetMB = %d, want -1", o.memoryBudgetMB)
			}
		}},
		{"command queue capacity", WithCommandQueueCapacity(1<<16, 128), func(t *testing.T, o options) {
			if o.commandCapacity != 1<<16 || o.commandEntries != 128 {
				t.Errorf("capacity = %d/%d, want 65536/128", o.commandCapacity, o.commandEntries)
			}
		}},
		{"command queue capacity ignores zero", WithCommandQueueCapacity(0, 0), func(t *testing.T, o options) {
			if o.commandCapacity != rendercmd.DefaultCapacity || o.commandEntries != rendercmd.DefaultMaxEntries {
				t.Errorf("capacity = %d/%d, want defaults", o.commandCapacity, o.commandEntries)
			}
		}},
		{"max command buffers", WithMaxCommandBuffers(4), func(t *testing.T, o options) {
			if o.maxCommandBuffers != 4 {
				t.Errorf("maxCommandBuffers = %d, want 4", o.maxCommandBuffers)
			}
		}},
		{"max command buffers ignores zero", WithMaxCommandBuffers(0), func(t *testing.T, o options) {
			if o.maxCommandBuffers != command.DefaultMaxBuffers {
				t.Errorf("maxCommandBuffers = %d, want default", o.maxCommandBuffers)
			}
		}},
		{"fence timeout", WithFenceTimeout(time.Second), func(t *testing.T, o options) {
			if o.fenceTimeout != time.Second {
				t.Errorf("fenceTimeout = %v, want 1s", o.fenceTimeout)
			}
		}},
		{"framebuffer limit", WithFramebufferCacheLimit(-1), func(t *testing.T, o options) {
			if o.framebufferLimit != -1 {
				t.Errorf("framebufferLimit = %d, want -1", o.framebufferLimit)
			}
		}},
		{"shader cache limit", WithShaderCacheLimit(2), func(t *testing.T, o options) {
			if o.shaderCacheLimit != 2 {
				t.Errorf("shaderCacheLimit = %d, want 2", o.shaderCacheLimit)
			}
		}},
		{"workers", WithWorkers(3), func(t *testing.T, o options) {
			if o.workers != 3 {
				t.Errorf("workers = %d, want 3", o.workers)
			}
		}},
		{"spirv", WithSPIRV(true), func(t *testing.T, o options) {
			if !o.spirv {
				t.Error("spirv = false, want true")
			}
		}},
		{"debug", WithDebug(true), func(t *testing.T, o options) {
			if !o.debug {
				t.Error("debug = false, want true")
			}
		}},
		{"queue families", WithQueueFamilies(map[Role]uint32{RoleTransfer: 1, Role(99): 7}), func(t *testing.T, o options) {
			if o.families[RoleTransfer] != 1 {
				t.Errorf("family[transfer] = %d, want 1", o.families[RoleTransfer])
			}
			if o.families[RoleGraphics] != 0 {
				t.Errorf("family[graphics] = %d, want 0", o.families[RoleGraphics])
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, buildOptions([]Option{tt.opt}))
		})
	}
}

func TestOptionsNilIgnored(t *testing.T) {
	o := buildOptions([]Option{nil, WithWorkers(2), nil})
	if o.workers != 2 {
		t.Errorf("workers = %d, want 2", o.workers)
	}
}

func TestOptionsLastWins(t *testing.T) {
	o := buildOptions([]Option{WithMaxCommandBuffers(2), WithMaxCommandBuffers(8)})
	if o.maxCommandBuffers != 8 {
		t.Errorf("maxCommandBuffers = %d, want 8", o.maxCommandBuffers)
	}
}
