// Package secrets provides opaque retrieval of named secrets with a
// caller-side TTL cache in front of an injected source.
package secrets

import (
	"context"
	"sync"
	"time"

	"github.com/maestro-run/maestro/core"
)

// Cache wraps a core.SecretSource with a TTL cache. Hits never touch the
// source; misses and expired entries fetch through. Lookup failures are not
// cached, so a secret created after a miss becomes visible immediately.
type Cache struct {
	source core.SecretSource
	ttl    time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry

	// now is replaceable for tests
	now func() time.Time
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// DefaultTTL applies when NewCache receives a non-positive TTL.
const DefaultTTL = 5 * time.Minute

// NewCache creates a TTL cache over source.
func NewCache(source core.SecretSource, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		source:  source,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Get returns the named secret, consulting the source on a miss.
// Returns core.ErrNotFound when the source does not know the name.
func (c *Cache) Get(ctx context.Context, name string) ([]byte, error) {
	c.mu.RLock()
	entry, ok := c.entries[name]
	c.mu.RUnlock()
	if ok && c.now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	value, err := c.source.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[name] = cacheEntry{value: value, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return value, nil
}

// Invalidate drops the cached entry for name.
func (c *Cache) Invalidate(name string) {
	c.mu.Lock()
	delete(c.entries, name)
	c.mu.Unlock()
}
