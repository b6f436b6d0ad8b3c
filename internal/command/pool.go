package command

import (
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/internal/fault"
	"github.com/gogpu/rhi/internal/gpusync"
)

// Pool defaults.
const (
	// DefaultMaxBuffers is the default number of buffers a pool may own.
	DefaultMaxBuffers = 16

	// DefaultWaitTimeout bounds how long Acquire blocks on an in-flight
	// buffer when the pool is full.
	DefaultWaitTimeout = 5 * time.Second
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	// Label prefixes buffer labels.
	Label string

	// MaxBuffers caps the number of buffers. Defaults to DefaultMaxBuffers.
	MaxBuffers int

	// WaitTimeout bounds backpressure waits. Defaults to DefaultWaitTimeout.
	WaitTimeout time.Duration
}

// Pool owns command buffers for one queue and recycles them.
//
// The pool grows on demand up to MaxBuffers. When all buffers are in
// flight, Acquire waits on the oldest submission, up to WaitTimeout.
//
// Thread Safety: Pool is safe for concurrent use.
type Pool struct {
	device   hal.Device
	timeline gpusync.Timeline
	config   PoolConfig

	mu        sync.Mutex
	buffers   []*Buffer
	destroyed bool
	waits     uint64
}

// NewPool creates an empty pool. Buffer fences read completion from timeline.
func NewPool(device hal.Device, timeline gpusync.Timeline, config PoolConfig) *Pool {
	if config.MaxBuffers <= 0 {
		config.MaxBuffers = DefaultMaxBuffers
	}
	if config.WaitTimeout <= 0 {
		config.WaitTimeout = DefaultWaitTimeout
	}
	if config.Label == "" {
		config.Label = "cmd"
	}
	return &Pool{device: device, timeline: timeline, config: config}
}

// Acquire returns a buffer that has begun recording. It reuses the first
// buffer whose fence has signaled, grows the pool if allowed, and
// otherwise waits for the oldest in-flight buffer.
func (p *Pool) Acquire() (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return nil, ErrPoolDestroyed
	}

	p.refreshLocked()
	if b := p.firstFreeLocked(); b != nil {
		return begin(b)
	}

	if len(p.buffers) < p.config.MaxBuffers {
		b, err := p.allocateLocked()
		if err != nil {
			return nil, err
		}
		return begin(b)
	}

	oldest := p.oldestInFlightLocked()
	if oldest == nil {
		return nil, errors.Wrapf(ErrPoolExhausted, "%s: %d buffers recording or ended",
			p.config.Label, len(p.buffers))
	}
	p.waits++
	fault.Logger().Debug("command: pool full, waiting",
		"pool", p.config.Label, "buffer", oldest.label, "index", oldest.fence.Index())
	if !oldest.fence.Wait(p.config.WaitTimeout) {
		return nil, errors.Wrapf(ErrPoolExhausted, "%s: %q not complete after %v",
			p.config.Label, oldest.label, p.config.WaitTimeout)
	}
	oldest.RefreshFenceStatus()
	return begin(oldest)
}

func begin(b *Buffer) (*Buffer, error) {
	if err := b.Begin(); err != nil {
		return nil, err
	}
	return b, nil
}

func (p *Pool) allocateLocked() (*Buffer, error) {
	idx := len(p.buffers)
	label := fmt.Sprintf("%s[%d]", p.config.Label, idx)
	enc, err := p.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, errors.Wrapf(err, "create command encoder %q", label)
	}
	b := &Buffer{
		pool:    p,
		index:   idx,
		label:   label,
		encoder: enc,
		fence:   gpusync.NewFence(p.timeline, label),
		state:   StateReadyForBegin,
	}
	p.buffers = append(p.buffers, b)
	fault.Logger().Debug("command: buffer allocated", "buffer", label)
	return b, nil
}

func (p *Pool) firstFreeLocked() *Buffer {
	for _, b := range p.buffers {
		switch b.State() {
		case StateReadyForBegin, StateNeedReset:
			return b
		}
	}
	return nil
}

func (p *Pool) oldestInFlightLocked() *Buffer {
	var oldest *Buffer
	for _, b := range p.buffers {
		if b.State() != StateSubmitted {
			continue
		}
		if oldest == nil || b.fence.Index() < oldest.fence.Index() {
			oldest = b
		}
	}
	return oldest
}

// Refresh updates every submitted buffer against its fence.
func (p *Pool) Refresh() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshLocked()
}

func (p *Pool) refreshLocked() {
	for _, b := range p.buffers {
		b.RefreshFenceStatus()
	}
}

// Len returns the number of buffers the pool owns.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffers)
}

// InFlight returns the number of submitted buffers whose fence has not
// been observed signaled.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.buffers {
		if b.State() == StateSubmitted {
			n++
		}
	}
	return n
}

// BackpressureWaits returns how many times Acquire waited on a full pool.
func (p *Pool) BackpressureWaits() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waits
}

// Destroy waits up to timeout for in-flight buffers and frees every
// buffer. Buffers still in flight after the timeout are freed anyway and
// reported.
func (p *Pool) Destroy(timeout time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return
	}
	p.destroyed = true

	deadline := time.Now().Add(timeout)
	for _, b := range p.buffers {
		if b.State() == StateSubmitted && !b.fence.Wait(time.Until(deadline)) {
			fault.Logger().Warn("command: destroying in-flight buffer",
				"buffer", b.label, "index", b.fence.Index())
		}
		b.free()
	}
	p.buffers = nil
}
