// Package memory tracks GPU memory backing buffers and textures.
//
// Every allocation is bound to exactly one hal.Buffer or hal.Texture for its
// lifetime and has a fixed size. Allocations are reference counted; when the
// last reference is released the bound resource is handed to a [Deferrer]
// tagged with the allocation's last-use epoch, so it is destroyed only after
// the GPU has finished with it.
//
// Byte accounting distinguishes outstanding bytes (live allocations) from
// pending bytes (released, awaiting GPU completion). Outstanding bytes drop
// when the last reference is released.
package memory

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/internal/fault"
)

// Memory management errors.
var (
	// ErrMemoryBudgetExceeded is returned when an allocation would exceed the budget.
	ErrMemoryBudgetExceeded = errors.New("memory: budget exceeded")

	// ErrManagerClosed is returned when operating on a closed manager.
	ErrManagerClosed = errors.New("memory: manager closed")

	// ErrNotMappable is returned when mapping an allocation created without
	// host visibility.
	ErrNotMappable = errors.New("memory: allocation is not mappable")

	// ErrAlreadyMapped is returned when mapping an allocation twice.
	ErrAlreadyMapped = errors.New("memory: allocation already mapped")

	// ErrNotMapped is returned when unmapping an allocation that is not mapped.
	ErrNotMapped = errors.New("memory: allocation not mapped")

	// ErrInvalidRequirements is returned for zero-sized or unsupported requests.
	ErrInvalidRequirements = errors.New("memory: invalid requirements")
)

// Default memory limits.
const (
	// DefaultBudgetMB is the default memory budget (512 MB).
	DefaultBudgetMB = 512
)

// Usage hints how the CPU accesses an allocation.
type Usage uint8

// Usage hints.
const (
	// UsageGPUOnly is device-local memory never touched by the CPU.
	UsageGPUOnly Usage = iota
	// UsageUpload is written by the CPU and read by the GPU.
	UsageUpload
	// UsageReadback is written by the GPU and read by the CPU.
	UsageReadback
	// UsageStaging is a transient upload source freed after its copy completes.
	UsageStaging
)

// String returns the usage name.
func (u Usage) String() string {
	switch u {
	case UsageGPUOnly:
		return "GPUOnly"
	case UsageUpload:
		return "Upload"
	case UsageReadback:
		return "Readback"
	case UsageStaging:
		return "Staging"
	default:
		return fmt.Sprintf("Unknown(%d)", u)
	}
}

// Requirements describes the resource an allocation backs. Exactly one of
// Size (buffer) or Texture must be set.
type Requirements struct {
	Label string

	// Size is the buffer size in bytes.
	Size uint64

	// BufferUsage is the buffer usage. Mappable allocations get the matching
	// map usage added.
	BufferUsage gputypes.BufferUsage

	// Texture describes a texture allocation.
	Texture *hal.TextureDescriptor

	// OnRetire, if set, runs once when the last reference is released,
	// before destruction is scheduled.
	OnRetire func()
}

// Deferrer schedules destruction after an epoch completes.
type Deferrer interface {
	Defer(epoch uint64, label string, fn func())
}

// Stats contains memory usage statistics.
type Stats struct {
	// BudgetBytes is the total budget, 0 when unlimited.
	BudgetBytes uint64

	// UsedBytes is the size of all live allocations.
	UsedBytes uint64

	// PendingBytes is the size of released allocations awaiting GPU completion.
	PendingBytes uint64

	// PeakBytes is the highest UsedBytes observed.
	PeakBytes uint64

	// Allocations is the number of live allocations.
	Allocations int

	// Buffers and Textures split Allocations by resource kind.
	Buffers  int
	Textures int

	// Mapped is the number of currently mapped allocations.
	Mapped int

	// Released is the total number of allocations released.
	Released uint64

	// Utilization is UsedBytes / BudgetBytes (0 when unlimited).
	Utilization float64
}

// String returns a human-readable string of memory stats.
func (s Stats) String() string {
	return fmt.Sprintf("Memory[%.1f%% used, %d/%d KB, %d KB pending, %d buffers, %d textures, %d mapped]",
		s.Utilization*100,
		s.UsedBytes/1024,
		s.BudgetBytes/1024,
		s.PendingBytes/1024,
		s.Buffers,
		s.Textures,
		s.Mapped)
}

// Config holds configuration for creating a Manager.
type Config struct {
	// BudgetMB is the memory budget in megabytes. Negative means unlimited,
	// 0 selects DefaultBudgetMB.
	BudgetMB int
}

// Manager creates allocations and tracks their memory.
//
// Manager is safe for concurrent use.
type Manager struct {
	mu sync.Mutex

	device   hal.Device
	deferrer Deferrer

	budgetBytes  uint64
	usedBytes    uint64
	pendingBytes uint64
	peakBytes    uint64
	released     uint64
	mapped       int

	live map[*Allocation]struct{}

	closed bool
}

// NewManager creates a memory manager on device. Released allocations are
// destroyed through deferrer.
func NewManager(device hal.Device, deferrer Deferrer, config Config) *Manager {
	var budget uint64
	switch {
	case config.BudgetMB == 0:
		budget = DefaultBudgetMB * 1024 * 1024
	case config.BudgetMB > 0:
		budget = uint64(config.BudgetMB) * 1024 * 1024
	}
	return &Manager{
		device:      device,
		deferrer:    deferrer,
		budgetBytes: budget,
		live:        make(map[*Allocation]struct{}),
	}
}

// Device returns the device allocations are created on.
func (m *Manager) Device() hal.Device { return m.device }

// Alloc creates the resource described by req and returns an allocation
// holding one reference. Mappable allocations are host visible; only
// buffers can be mappable.
func (m *Manager) Alloc(req Requirements, usage Usage, mappable bool) (*Allocation, error) {
	size, err := m.validate(req, mappable)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if m.budgetBytes > 0 && (m.usedBytes > m.budgetBytes || size > m.budgetBytes-m.usedBytes) {
		avail := m.budgetBytes - min(m.usedBytes, m.budgetBytes)
		m.mu.Unlock()
		return nil, errors.Wrapf(ErrMemoryBudgetExceeded,
			"%q needs %d bytes, %d available", req.Label, size, avail)
	}
	// Reserve before creating so concurrent allocations see the budget.
	m.usedBytes += size
	m.mu.Unlock()

	a, err := m.create(req, usage, mappable, size)
	if err != nil {
		m.mu.Lock()
		m.usedBytes -= size
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	m.live[a] = struct{}{}
	m.peakBytes = max(m.peakBytes, m.usedBytes)
	m.mu.Unlock()

	fault.Logger().Debug("memory: alloc",
		"label", req.Label, "size", size, "usage", usage, "mappable", mappable)
	return a, nil
}

func (m *Manager) validate(req Requirements, mappable bool) (uint64, error) {
	if req.Texture != nil {
		if req.Size != 0 {
			return 0, errors.Wrapf(ErrInvalidRequirements, "%q sets both Size and Texture", req.Label)
		}
		if mappable {
			return 0, fault.Violation(ErrNotMappable, "texture allocation %q requested as mappable", req.Label)
		}
		size := TextureSize(req.Texture)
		if size == 0 {
			return 0, errors.Wrapf(ErrInvalidRequirements, "%q: texture %dx%d format %s has no size",
				req.Label, req.Texture.Size.Width, req.Texture.Size.Height, req.Texture.Format)
		}
		return size, nil
	}
	if req.Size == 0 {
		return 0, errors.Wrapf(ErrInvalidRequirements, "%q: zero-sized buffer", req.Label)
	}
	return req.Size, nil
}

func (m *Manager) create(req Requirements, usage Usage, mappable bool, size uint64) (*Allocation, error) {
	a := &Allocation{
		mgr:      m,
		label:    req.Label,
		size:     size,
		usage:    usage,
		mappable: mappable,
		onRetire: req.OnRetire,
	}
	a.refs.Store(1)

	if req.Texture != nil {
		desc := *req.Texture
		if desc.Label == "" {
			desc.Label = req.Label
		}
		tex, err := m.device.CreateTexture(&desc)
		if err != nil {
			return nil, errors.Wrapf(err, "create texture %q", req.Label)
		}
		a.texture = tex
		a.format = desc.Format
		return a, nil
	}

	bufUsage := req.BufferUsage
	if mappable {
		switch usage {
		case UsageReadback:
			bufUsage |= gputypes.BufferUsageMapRead
		default:
			bufUsage |= gputypes.BufferUsageMapWrite
		}
	}
	buf, err := m.device.CreateBuffer(&hal.BufferDescriptor{
		Label: req.Label,
		Size:  size,
		Usage: bufUsage,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "create buffer %q", req.Label)
	}
	a.buffer = buf
	return a, nil
}

// Free drops the caller's reference to a. It is equivalent to a.Release.
func (m *Manager) Free(a *Allocation) {
	if a == nil {
		return
	}
	a.Release()
}

// retire moves a from outstanding to pending and defers its destruction.
func (m *Manager) retire(a *Allocation) {
	if a.IsMapped() {
		fault.Assert(false, "allocation %q released while mapped", a.label)
		_ = a.Unmap()
	}

	m.mu.Lock()
	if _, ok := m.live[a]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.live, a)
	m.usedBytes -= a.size
	m.pendingBytes += a.size
	m.released++
	closed := m.closed
	m.mu.Unlock()

	if a.onRetire != nil {
		a.onRetire()
	}
	destroy := func() {
		a.destroyResource()
		m.mu.Lock()
		m.pendingBytes -= a.size
		m.mu.Unlock()
	}
	if closed || m.deferrer == nil {
		destroy()
		return
	}
	m.deferrer.Defer(a.LastUse(), a.label, destroy)
}

// Stats returns current memory usage statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		BudgetBytes:  m.budgetBytes,
		UsedBytes:    m.usedBytes,
		PendingBytes: m.pendingBytes,
		PeakBytes:    m.peakBytes,
		Allocations:  len(m.live),
		Mapped:       m.mapped,
		Released:     m.released,
	}
	for a := range m.live {
		if a.texture != nil {
			s.Textures++
		} else {
			s.Buffers++
		}
	}
	if m.budgetBytes > 0 {
		s.Utilization = float64(m.usedBytes) / float64(m.budgetBytes)
	}
	return s
}

// SetBudget updates the budget. Existing allocations are kept even when they
// exceed the new budget; only future allocations are refused.
func (m *Manager) SetBudget(megabytes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	if megabytes <= 0 {
		m.budgetBytes = 0
		return nil
	}
	m.budgetBytes = uint64(megabytes) * 1024 * 1024
	return nil
}

// Close destroys every live allocation immediately. The device must be
// idle. The manager refuses allocations afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	live := make([]*Allocation, 0, len(m.live))
	for a := range m.live {
		live = append(live, a)
	}
	m.live = make(map[*Allocation]struct{})
	m.usedBytes = 0
	m.mu.Unlock()

	if len(live) > 0 {
		fault.Logger().Warn("memory: closing with live allocations", "count", len(live))
	}
	for _, a := range live {
		if a.IsMapped() {
			_ = a.Unmap()
		}
		a.destroyResource()
	}
}

func (m *Manager) mappedDelta(d int) {
	m.mu.Lock()
	m.mapped += d
	m.mu.Unlock()
}
