package cache

import "sync"

// Cache is a thread-safe LRU map with an optional entry limit.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*lruNode[K, V]
	order   lruList[K, V]
	limit   int
	onEvict func(K, V)

	hits      uint64
	misses    uint64
	evictions uint64
}

// New creates a cache holding at most limit entries. A limit of 0 means
// unlimited. onEvict, if non-nil, receives every entry removed by
// eviction, Delete or Clear.
func New[K comparable, V any](limit int, onEvict func(K, V)) *Cache[K, V] {
	return &Cache[K, V]{
		entries: make(map[K]*lruNode[K, V]),
		limit:   limit,
		onEvict: onEvict,
	}
}

// Get returns the value for key and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.entries[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	c.order.MoveToFront(node)
	return node.value, true
}

// Peek returns the value for key without touching recency or statistics.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if node, ok := c.entries[key]; ok {
		return node.value, true
	}
	var zero V
	return zero, false
}

// Set stores value for key. A replaced value is passed to onEvict.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	var evicted []*lruNode[K, V]
	if node, ok := c.entries[key]; ok {
		evicted = append(evicted, &lruNode[K, V]{key: key, value: node.value})
		node.value = value
		c.order.MoveToFront(node)
	} else {
		c.entries[key] = c.order.PushFront(key, value)
		evicted = c.trimLocked(evicted)
	}
	c.mu.Unlock()
	c.notify(evicted)
}

// GetOrCreate returns the value for key, calling create on a miss. create
// runs under the cache lock, so concurrent callers never build the same
// key twice. created reports whether create ran successfully.
func (c *Cache[K, V]) GetOrCreate(key K, create func() (V, error)) (value V, created bool, err error) {
	c.mu.Lock()
	if node, ok := c.entries[key]; ok {
		c.hits++
		c.order.MoveToFront(node)
		c.mu.Unlock()
		return node.value, false, nil
	}
	c.misses++

	value, err = create()
	if err != nil {
		c.mu.Unlock()
		var zero V
		return zero, false, err
	}
	c.entries[key] = c.order.PushFront(key, value)
	evicted := c.trimLocked(nil)
	c.mu.Unlock()

	c.notify(evicted)
	return value, true, nil
}

// Delete removes key, passing its value to onEvict. It reports whether the
// key was present.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	node, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
		c.order.Remove(node)
	}
	c.mu.Unlock()

	if ok {
		c.notify([]*lruNode[K, V]{node})
	}
	return ok
}

// DeleteFunc removes every entry for which fn returns true and returns the
// number removed.
func (c *Cache[K, V]) DeleteFunc(fn func(K, V) bool) int {
	c.mu.Lock()
	var removed []*lruNode[K, V]
	for node := c.order.head; node != nil; {
		next := node.next
		if fn(node.key, node.value) {
			delete(c.entries, node.key)
			c.order.Remove(node)
			removed = append(removed, node)
		}
		node = next
	}
	c.mu.Unlock()

	c.notify(removed)
	return len(removed)
}

// Clear removes every entry, passing each to onEvict.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	removed := make([]*lruNode[K, V], 0, len(c.entries))
	for node := c.order.head; node != nil; node = node.next {
		removed = append(removed, node)
	}
	c.entries = make(map[K]*lruNode[K, V])
	c.order.Clear()
	c.mu.Unlock()

	c.notify(removed)
}

// Range calls fn for each entry from most to least recently used until fn
// returns false. fn must not modify the cache.
func (c *Cache[K, V]) Range(fn func(K, V) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for node := c.order.head; node != nil; node = node.next {
		if !fn(node.key, node.value) {
			return
		}
	}
}

// Len returns the number of entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Capacity returns the entry limit, 0 if unlimited.
func (c *Cache[K, V]) Capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limit
}

// SetCapacity changes the entry limit, evicting as needed.
func (c *Cache[K, V]) SetCapacity(limit int) {
	c.mu.Lock()
	c.limit = limit
	evicted := c.trimLocked(nil)
	c.mu.Unlock()
	c.notify(evicted)
}

// Stats returns cache statistics.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Len:       len(c.entries),
		Capacity:  c.limit,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// trimLocked evicts least recently used entries beyond the limit.
func (c *Cache[K, V]) trimLocked(evicted []*lruNode[K, V]) []*lruNode[K, V] {
	if c.limit <= 0 {
		return evicted
	}
	for c.order.Len() > c.limit {
		node := c.order.Back()
		c.order.Remove(node)
		delete(c.entries, node.key)
		c.evictions++
		evicted = append(evicted, node)
	}
	return evicted
}

func (c *Cache[K, V]) notify(nodes []*lruNode[K, V]) {
	if c.onEvict == nil {
		return
	}
	for _, n := range nodes {
		c.onEvict(n.key, n.value)
	}
}

// Stats contains cache statistics.
type Stats struct {
	// Len is the current number of entries.
	Len int
	// Capacity is the entry limit, 0 if unlimited.
	Capacity int
	// Hits is the number of lookups that found an entry.
	Hits uint64
	// Misses is the number of lookups that did not.
	Misses uint64
	// HitRate is Hits / (Hits + Misses), 0 before any lookup.
	HitRate float64
	// Evictions is the number of entries dropped for exceeding the limit.
	Evictions uint64
}
