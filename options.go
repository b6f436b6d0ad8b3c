package rhi

import (
	"log/slog"
	"time"

	"github.com/gogpu/rhi/internal/command"
	"github.com/gogpu/rhi/internal/memory"
	"github.com/gogpu/rhi/internal/rendercmd"
	"github.com/gogpu/rhi/internal/renderpass"
)

// Option configures a Device during creation.
//
// Example:
//
//	dev, err := rhi.Open(gputypes.BackendVulkan,
//	    rhi.WithMemoryBudget(1024),
//	    rhi.WithMaxCommandBuffers(8),
//	)
type Option func(*options)

type options struct {
	logger            *slog.Logger
	debug             bool
	memoryBudgetMB    int
	commandCapacity   int
	commandEntries    int
	maxCommandBuffers int
	fenceTimeout      time.Duration
	framebufferLimit  int
	shaderCacheLimit  int
	workers           int
	spirv             bool
	families          [len(command.Roles)]uint32
}

// Default limits not owned by an internal package.
const (
	// DefaultFenceTimeout bounds fence, semaphore and shutdown waits.
	DefaultFenceTimeout = 5 * time.Second

	// DefaultShaderCacheLimit is the number of shader modules kept cached.
	DefaultShaderCacheLimit = 128
)

func defaultOptions() options {
	return options{
		memoryBudgetMB:    memory.DefaultBudgetMB,
		commandCapacity:   rendercmd.DefaultCapacity,
		commandEntries:    rendercmd.DefaultMaxEntries,
		maxCommandBuffers: command.DefaultMaxBuffers,
		fenceTimeout:      DefaultFenceTimeout,
		framebufferLimit:  renderpass.DefaultFramebufferLimit,
		shaderCacheLimit:  DefaultShaderCacheLimit,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithLogger sets the package logger when the device is created.
// It is equivalent to calling SetLogger before creating the device.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithDebug makes contract violations fatal. In release mode (the default)
// a violation is logged and the offending call becomes a no-op returning
// an error.
func WithDebug(on bool) Option {
	return func(o *options) {
		o.debug = on
	}
}

// WithMemoryBudget sets the GPU memory budget in megabytes.
// A negative value disables the budget.
func WithMemoryBudget(megabytes int) Option {
	return func(o *options) {
		o.memoryBudgetMB = megabytes
	}
}

// WithCommandQueueCapacity sizes the deferred render-command queue: the
// argument arena in bytes and the maximum number of entries. Overflowing
// either is fatal.
//
// Example:
//
//	// 1 MiB of argument space for at most 4096 commands.
//	rhi.WithCommandQueueCapacity(1<<20, 4096)
func WithCommandQueueCapacity(bytes, entries int) Option {
	return func(o *options) {
		if bytes > 0 {
			o.commandCapacity = bytes
		}
		if entries > 0 {
			o.commandEntries = entries
		}
	}
}

// WithMaxCommandBuffers caps the command buffers each queue role may own.
// When all are in flight, acquiring a new one waits on the oldest.
func WithMaxCommandBuffers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxCommandBuffers = n
		}
	}
}

// WithFenceTimeout bounds every blocking wait: pool backpressure,
// cross-queue semaphores and the shutdown drain.
func WithFenceTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.fenceTimeout = d
		}
	}
}

// WithFramebufferCacheLimit sets the soft limit of cached framebuffers.
// A negative value disables eviction.
func WithFramebufferCacheLimit(n int) Option {
	return func(o *options) {
		o.framebufferLimit = n
	}
}

// WithShaderCacheLimit sets the number of shader modules kept cached.
func WithShaderCacheLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.shaderCacheLimit = n
		}
	}
}

// WithWorkers sets the size of the CPU worker pool used for mip-chain
// generation. 0 uses GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithSPIRV compiles WGSL shaders to SPIR-V before handing them to the
// driver.
func WithSPIRV(on bool) Option {
	return func(o *options) {
		o.spirv = on
	}
}

// WithQueueFamilies assigns queue family indices to roles. Roles on the
// same family share a completion timeline and are ordered by submission;
// roles on different families synchronize through semaphores. By default
// every role uses family 0.
//
// Example:
//
//	// Dedicated transfer family.
//	rhi.WithQueueFamilies(map[rhi.Role]uint32{rhi.RoleTransfer: 1})
func WithQueueFamilies(families map[Role]uint32) Option {
	return func(o *options) {
		for role, family := range families {
			if int(role) < len(o.families) {
				o.families[role] = family
			}
		}
	}
}
