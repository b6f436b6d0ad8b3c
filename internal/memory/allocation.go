package memory

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/internal/fault"
)

// Allocation is a reference-counted block of GPU memory bound to one buffer
// or texture.
//
// Thread Safety: reference counting and epoch stamping are lock-free;
// Map and Unmap serialize on the allocation.
type Allocation struct {
	mgr      *Manager
	label    string
	size     uint64
	usage    Usage
	mappable bool
	format   gputypes.TextureFormat

	buffer   hal.Buffer
	texture  hal.Texture
	onRetire func()

	refs    atomic.Int32
	lastUse atomic.Uint64

	mu       sync.Mutex
	mapping  []byte
	coherent bool
	gone     bool
}

// Label returns the debug label.
func (a *Allocation) Label() string { return a.label }

// Size returns the allocation size in bytes.
func (a *Allocation) Size() uint64 { return a.size }

// Usage returns the usage hint.
func (a *Allocation) Usage() Usage { return a.usage }

// Mappable reports whether the allocation can be mapped.
func (a *Allocation) Mappable() bool { return a.mappable }

// Buffer returns the bound buffer, or nil for texture allocations.
func (a *Allocation) Buffer() hal.Buffer { return a.buffer }

// Texture returns the bound texture, or nil for buffer allocations.
func (a *Allocation) Texture() hal.Texture { return a.texture }

// Format returns the texture format of a texture allocation.
func (a *Allocation) Format() gputypes.TextureFormat { return a.format }

// Refs returns the current reference count.
func (a *Allocation) Refs() int32 { return a.refs.Load() }

// Retain adds a reference and returns a for chaining.
func (a *Allocation) Retain() *Allocation {
	if n := a.refs.Add(1); n <= 1 {
		a.refs.Add(-1)
		fault.Assert(false, "allocation %q retained after release", a.label)
	}
	return a
}

// Release drops a reference. The last release hands the allocation to the
// manager for deferred destruction.
func (a *Allocation) Release() {
	n := a.refs.Add(-1)
	switch {
	case n > 0:
		return
	case n < 0:
		a.refs.Add(1)
		fault.Assert(false, "allocation %q released more times than retained", a.label)
		return
	}
	a.mgr.retire(a)
}

// Use records that a submission with the given epoch references the
// allocation. The last-use epoch never decreases.
func (a *Allocation) Use(epoch uint64) {
	for {
		cur := a.lastUse.Load()
		if epoch <= cur || a.lastUse.CompareAndSwap(cur, epoch) {
			return
		}
	}
}

// LastUse returns the epoch of the latest submission that referenced the
// allocation, or 0 if none did.
func (a *Allocation) LastUse() uint64 { return a.lastUse.Load() }

// Map maps the whole allocation and returns its host view. The slice is
// valid until Unmap.
func (a *Allocation) Map() ([]byte, error) {
	if !a.mappable || a.buffer == nil {
		return nil, fault.Violation(ErrNotMappable, "map of non-mappable allocation %q", a.label)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.gone {
		return nil, fault.Violation(ErrNotMappable, "map of destroyed allocation %q", a.label)
	}
	if a.mapping != nil {
		return nil, fault.Violation(ErrAlreadyMapped, "allocation %q mapped twice", a.label)
	}
	m, err := a.mgr.device.MapBuffer(a.buffer, 0, a.size)
	if err != nil {
		return nil, errors.Wrapf(err, "map %q", a.label)
	}
	a.mapping = unsafe.Slice((*byte)(m.Ptr), a.size)
	a.coherent = m.IsCoherent
	a.mgr.mappedDelta(1)
	return a.mapping, nil
}

// Unmap ends the current mapping.
func (a *Allocation) Unmap() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mapping == nil {
		return fault.Violation(ErrNotMapped, "unmap of unmapped allocation %q", a.label)
	}
	a.mapping = nil
	a.mgr.mappedDelta(-1)
	if err := a.mgr.device.UnmapBuffer(a.buffer); err != nil {
		return errors.Wrapf(err, "unmap %q", a.label)
	}
	return nil
}

// IsMapped reports whether the allocation is currently mapped.
func (a *Allocation) IsMapped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mapping != nil
}

// Coherent reports whether the current mapping needs no explicit flush.
func (a *Allocation) Coherent() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.coherent
}

// Write copies data into the allocation at offset through a temporary mapping.
func (a *Allocation) Write(offset uint64, data []byte) error {
	if offset > a.size || uint64(len(data)) > a.size-offset {
		return errors.Newf("memory: write of %d bytes at %d overruns %q (%d bytes)",
			len(data), offset, a.label, a.size)
	}
	dst, err := a.Map()
	if err != nil {
		return err
	}
	copy(dst[offset:], data)
	return a.Unmap()
}

func (a *Allocation) destroyResource() {
	a.mu.Lock()
	if a.gone {
		a.mu.Unlock()
		return
	}
	a.gone = true
	a.mu.Unlock()

	switch {
	case a.buffer != nil:
		a.mgr.device.DestroyBuffer(a.buffer)
	case a.texture != nil:
		a.mgr.device.DestroyTexture(a.texture)
	}
}
