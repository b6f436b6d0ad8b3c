package renderpass

import (
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/internal/cache"
	"github.com/gogpu/rhi/internal/fault"
	"github.com/gogpu/rhi/internal/handle"
)

// DefaultFramebufferLimit is the default number of cached framebuffers.
const DefaultFramebufferLimit = 64

// Deferrer schedules destruction after a submission epoch completes.
type Deferrer interface {
	Defer(epoch uint64, label string, fn func())
}

// Config configures a Cache.
type Config struct {
	// DeviceID distinguishes devices sharing a process; it is part of every
	// framebuffer key.
	DeviceID uint64

	// FramebufferLimit caps cached framebuffers. 0 means
	// DefaultFramebufferLimit; negative means unlimited.
	FramebufferLimit int
}

// Entry is a cached pass paired with a framebuffer.
type Entry struct {
	pass   *Pass
	fb     *Framebuffer
	images []uint64
}

// Pass returns the compiled pass.
func (e *Entry) Pass() *Pass { return e.pass }

// Framebuffer returns the framebuffer.
func (e *Entry) Framebuffer() *Framebuffer { return e.fb }

// Ref is a non-owning reference to a cache entry. It goes stale when the
// entry is evicted or the cache is cleared; holders revalidate with Get.
type Ref struct {
	weak handle.Weak[*Entry]
}

// ID returns the entry's handle ID.
func (r Ref) ID() handle.ID { return r.weak.ID() }

// Valid reports whether the entry is still cached.
func (r Ref) Valid() bool { return r.weak.Valid() }

// Get returns the entry if it is still cached.
func (r Ref) Get() (*Entry, bool) { return r.weak.Get() }

// Pin keeps the entry alive until the submission that renders with it has
// been recorded. It returns false for a stale Ref.
func (r Ref) Pin() (*Pin, bool) {
	ref, ok := r.weak.Upgrade()
	if !ok {
		return nil, false
	}
	return &Pin{ref: ref}, true
}

// Pin is a strong reference to a cache entry held by a recording command
// buffer. Use stamps the framebuffer with the submission epoch and drops
// the reference, so an entry evicted meanwhile is destroyed only after
// that submission completes.
type Pin struct {
	ref  *handle.Ref[*Entry]
	done atomic.Bool
}

// Entry returns the pinned entry.
func (p *Pin) Entry() *Entry { return p.ref.Value() }

// Use stamps the framebuffer and releases the pin.
func (p *Pin) Use(epoch uint64) {
	p.ref.Value().fb.Use(epoch)
	p.Release()
}

// Release drops the pin without stamping. Extra calls are no-ops.
func (p *Pin) Release() {
	if p.done.CompareAndSwap(false, true) {
		p.ref.Release()
	}
}

// Stats reports cache activity.
type Stats struct {
	Hits              uint64
	Misses            uint64
	PassHits          uint64
	PassCompiles      uint64
	FramebufferBuilds uint64
	Evictions         uint64
	Passes            int
	Framebuffers      int
}

// Cache is the two-level pass and framebuffer cache of one device.
//
// Thread Safety: Cache is safe for concurrent use.
type Cache struct {
	device   hal.Device
	deferrer Deferrer
	config   Config

	entries *handle.Table[*Entry]
	full    *cache.Cache[string, *handle.Ref[*Entry]]
	passes  *cache.Cache[string, *Pass]

	keyMu  sync.Mutex
	keyBuf []byte

	hits, misses, passHits, compiles, builds atomic.Uint64
}

// New creates an empty cache. Evicted framebuffers are destroyed through
// deferrer at their last-use epoch.
func New(device hal.Device, deferrer Deferrer, config Config) *Cache {
	limit := config.FramebufferLimit
	switch {
	case limit == 0:
		limit = DefaultFramebufferLimit
	case limit < 0:
		limit = 0
	}
	c := &Cache{
		device:   device,
		deferrer: deferrer,
		config:   config,
		entries:  handle.NewTable[*Entry](),
		passes:   cache.New[string, *Pass](0, nil),
	}
	c.full = cache.New(limit, func(_ string, ref *handle.Ref[*Entry]) {
		ref.Detach()
		ref.Release()
	})
	return c
}

// Get returns the pass and framebuffer for desc rendering into target,
// building and caching them on a miss.
func (c *Cache) Get(desc *Description, target *Target) (Ref, error) {
	if err := desc.Validate(); err != nil {
		return Ref{}, err
	}
	if err := target.validate(desc); err != nil {
		return Ref{}, err
	}

	passKey, fullKey := c.keys(desc, target)
	ref, created, err := c.full.GetOrCreate(fullKey, func() (*handle.Ref[*Entry], error) {
		pass := c.pass(passKey, desc)
		label := desc.Label
		if label == "" {
			label = "framebuffer"
		}
		fb, err := buildFramebuffer(c.device, pass, target, label)
		if err != nil {
			return nil, err
		}
		c.builds.Add(1)
		entry := &Entry{pass: pass, fb: fb, images: target.imageIDs()}
		return c.entries.Insert(entry, c.release), nil
	})
	if err != nil {
		return Ref{}, err
	}
	if created {
		c.misses.Add(1)
		fault.Logger().Debug("renderpass: framebuffer built",
			"label", desc.Label, "width", target.Width, "height", target.Height, "id", ref.ID())
	} else {
		c.hits.Add(1)
	}
	return Ref{weak: ref.Weak()}, nil
}

// Pass returns the compiled pass for desc, compiling it on first use.
func (c *Cache) Pass(desc *Description) (*Pass, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	c.keyMu.Lock()
	key := string(desc.appendKey(c.keyBuf[:0]))
	c.keyMu.Unlock()
	return c.pass(key, desc), nil
}

func (c *Cache) pass(key string, desc *Description) *Pass {
	p, created, _ := c.passes.GetOrCreate(key, func() (*Pass, error) {
		return compilePass(key, desc), nil
	})
	if created {
		c.compiles.Add(1)
	} else {
		c.passHits.Add(1)
	}
	return p
}

func (c *Cache) keys(desc *Description, target *Target) (passKey, fullKey string) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()

	b := desc.appendKey(c.keyBuf[:0])
	passKey = string(b)
	b = append(b, "|v"...)
	b = strconv.AppendUint(b, c.config.DeviceID, 10)
	b = target.appendKey(b)
	fullKey = string(b)
	c.keyBuf = b
	return passKey, fullKey
}

func (c *Cache) release(e *Entry) {
	c.deferrer.Defer(e.fb.LastUse(), "framebuffer "+e.fb.label, func() {
		e.fb.destroy(c.device)
	})
}

// Clear drops every cached pass and framebuffer. Outstanding Refs become
// stale. Framebuffers are destroyed through the deferrer, pinned ones after
// their pin is released.
func (c *Cache) Clear() {
	n := c.full.Len()
	c.full.Clear()
	c.passes.Clear()
	fault.Logger().Debug("renderpass: cache cleared", "framebuffers", n)
}

// EvictImage drops every cached framebuffer with a view of image id and
// returns the number dropped. It must be called before the image is
// destroyed; the views are destroyed after their last use completes.
func (c *Cache) EvictImage(id uint64) int {
	n := c.full.DeleteFunc(func(_ string, ref *handle.Ref[*Entry]) bool {
		return slices.Contains(ref.Value().images, id)
	})
	if n > 0 {
		fault.Logger().Debug("renderpass: framebuffers evicted with image", "image", id, "framebuffers", n)
	}
	return n
}

// Len returns the number of cached framebuffers.
func (c *Cache) Len() int { return c.full.Len() }

// Stats returns cache statistics.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:              c.hits.Load(),
		Misses:            c.misses.Load(),
		PassHits:          c.passHits.Load(),
		PassCompiles:      c.compiles.Load(),
		FramebufferBuilds: c.builds.Load(),
		Evictions:         c.full.Stats().Evictions,
		Passes:            c.passes.Len(),
		Framebuffers:      c.full.Len(),
	}
}
