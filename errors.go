package rhi

import (
	"github.com/cockroachdb/errors"

	"github.com/gogpu/rhi/internal/command"
	"github.com/gogpu/rhi/internal/memory"
	"github.com/gogpu/rhi/internal/rendercmd"
	"github.com/gogpu/rhi/internal/renderpass"
)

// Device errors.
var (
	// ErrBackendUnavailable is returned by Open when no backend of the
	// requested kind is registered.
	ErrBackendUnavailable = errors.New("rhi: backend not available")

	// ErrNoAdapter is returned by Open when the backend exposes no adapter.
	ErrNoAdapter = errors.New("rhi: no GPU adapter found")

	// ErrProviderUnsupported is returned by NewFromProvider when the
	// provider does not expose HAL objects.
	ErrProviderUnsupported = errors.New("rhi: provider does not expose HAL device and queue")

	// ErrDeviceClosed is returned when using a closed device.
	ErrDeviceClosed = errors.New("rhi: device closed")

	// ErrFrameState is returned for frame or rendering calls out of order.
	ErrFrameState = errors.New("rhi: frame call out of order")

	// ErrResourceInFlight is returned when the CPU writes a resource the GPU
	// may still be reading.
	ErrResourceInFlight = errors.New("rhi: resource in use by the GPU")

	// ErrInvalidDescriptor is returned for malformed resource descriptors.
	ErrInvalidDescriptor = errors.New("rhi: invalid descriptor")

	// ErrShaderCompile is returned when WGSL to SPIR-V compilation fails.
	ErrShaderCompile = errors.New("rhi: shader compilation failed")
)

// Errors of the internal layers, re-exported for errors.Is checks.
var (
	ErrMemoryBudgetExceeded = memory.ErrMemoryBudgetExceeded
	ErrNotMappable          = memory.ErrNotMappable
	ErrPoolExhausted        = command.ErrPoolExhausted
	ErrInvalidState         = command.ErrInvalidState
	ErrInsideRenderPass     = command.ErrInsideRenderPass
	ErrCommandOverflow      = rendercmd.ErrOverflow
	ErrInvalidPass          = renderpass.ErrInvalidDescription
	ErrTargetMismatch       = renderpass.ErrTargetMismatch
)
