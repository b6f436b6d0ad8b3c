// Package cache provides a generic LRU map used for render pass,
// framebuffer and shader module caches.
//
//	c := cache.New[uint64, *Pass](64, func(k uint64, p *Pass) { p.destroy() })
//	p, created, err := c.GetOrCreate(key, build)
//
// Entries beyond the limit are evicted least recently used first, and the
// eviction callback runs after the cache lock is released so it may defer
// GPU object destruction or call back into the cache.
//
// # Thread Safety
//
// Cache is safe for concurrent use and must not be copied after creation.
package cache
