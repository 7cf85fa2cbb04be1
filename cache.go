package vertex

import (
	"context"
	"sync"
)

// Cache stores encoded results of read-only requests, indexed by the
// models they touched so writes can evict them.
type Cache interface {
	// Get returns the cached value for key, if present.
	Get(ctx context.Context, key string) ([]byte, bool)

	// Set stores val under key, tagged with the models it derives from.
	Set(ctx context.Context, key string, val []byte, models []string)

	// Invalidate evicts every entry tagged with any of the given
	// models. With no arguments it evicts everything.
	Invalidate(ctx context.Context, models ...string)
}

// MemoryCache is an in-process Cache. The zero value is not usable; use
// NewMemoryCache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string][]byte
	byModel map[string]map[string]struct{}
}

// NewMemoryCache returns an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string][]byte),
		byModel: make(map[string]map[string]struct{}),
	}
}

// Get returns the cached value for key, if present.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok
}

// Set stores val under key, tagged with models.
func (c *MemoryCache) Set(_ context.Context, key string, val []byte, models []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = val
	for _, m := range models {
		if c.byModel[m] == nil {
			c.byModel[m] = make(map[string]struct{})
		}
		c.byModel[m][key] = struct{}{}
	}
}

// Invalidate evicts entries tagged with the given models, or everything
// when called with none.
func (c *MemoryCache) Invalidate(_ context.Context, models ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(models) == 0 {
		c.entries = make(map[string][]byte)
		c.byModel = make(map[string]map[string]struct{})
		return
	}
	for _, m := range models {
		for key := range c.byModel[m] {
			delete(c.entries, key)
		}
		delete(c.byModel, m)
	}
}
