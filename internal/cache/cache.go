// Package cache keeps identity data loaded from the credentials store while
// sessions using the identity are alive.
package cache

import (
	"sync"

	"github.com/atinyakov/GophSSO/internal/metrics"
)

type entryKey struct {
	id     uint32
	method string
}

// DataCache caches method data per identity. Entries of an identity live as
// long as at least one Handle for it is held.
type DataCache struct {
	mu      sync.Mutex
	refs    map[uint32]int
	entries map[entryKey]map[string]any
}

// New returns an empty cache.
func New() *DataCache {
	return &DataCache{
		refs:    map[uint32]int{},
		entries: map[entryKey]map[string]any{},
	}
}

// Handle pins the entries of one identity.
type Handle struct {
	c    *DataCache
	id   uint32
	once sync.Once
}

// Acquire pins the entries of identity id until the handle is released.
func (c *DataCache) Acquire(id uint32) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs[id]++
	return &Handle{c: c, id: id}
}

// ID returns the pinned identity.
func (h *Handle) ID() uint32 { return h.id }

// Release unpins the identity. The last release drops its entries.
// Further calls are no-ops.
func (h *Handle) Release() {
	h.once.Do(func() { h.c.release(h.id) })
}

func (c *DataCache) release(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs[id]--
	if c.refs[id] > 0 {
		return
	}
	delete(c.refs, id)
	c.dropLocked(id)
}

// Get returns a copy of the cached data.
func (c *DataCache) Get(id uint32, method string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.entries[entryKey{id, method}]
	if !ok {
		metrics.CacheHits.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.CacheHits.WithLabelValues("hit").Inc()
	return clone(data), true
}

// Put caches data for a pinned identity and reports whether it was stored.
func (c *DataCache) Put(id uint32, method string, data map[string]any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refs[id] == 0 {
		return false
	}
	c.entries[entryKey{id, method}] = clone(data)
	c.updateGaugeLocked()
	return true
}

// Invalidate drops every entry of id. Pins are kept.
func (c *DataCache) Invalidate(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked(id)
}

// InvalidateMethod drops one entry.
func (c *DataCache) InvalidateMethod(id uint32, method string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, entryKey{id, method})
	c.updateGaugeLocked()
}

// Len returns the number of cached entries.
func (c *DataCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear drops everything, for example when the storage closes.
func (c *DataCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[entryKey]map[string]any{}
	c.updateGaugeLocked()
}

func (c *DataCache) dropLocked(id uint32) {
	for k := range c.entries {
		if k.id == id {
			delete(c.entries, k)
		}
	}
	c.updateGaugeLocked()
}

func (c *DataCache) updateGaugeLocked() {
	metrics.CacheEntries.Set(float64(len(c.entries)))
}

func clone(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
