// Package cache provides the in-memory TTL cache in front of the network
// and offline layers. Pure in-memory, never durable.
package cache

import (
	"sync"
	"time"

	"github.com/kmorton/fieldsync/internal/source"
)

type entry struct {
	value    source.Payload
	storedAt time.Time
}

// Cache is a key→payload store with a single TTL for all entries.
// Thread-safety: all methods are safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]entry
	now     func() time.Time // injectable for tests
}

// New creates a Cache with the given TTL.
func New(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Get returns the payload for key if it is present and unexpired.
// An expired entry is reported absent even if still physically stored;
// it is evicted lazily on the next Set or Get.
func (c *Cache) Get(key string) (source.Payload, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if c.now().Sub(e.storedAt) > c.ttl {
		c.mu.Lock()
		// Re-check under the write lock: a concurrent Set may have refreshed it.
		if e2, ok := c.entries[key]; ok && c.now().Sub(e2.storedAt) > c.ttl {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

// Set stores value under key, overwriting any prior entry and resetting
// its stored-at time.
func (c *Cache) Set(key string, value source.Payload) {
	c.mu.Lock()
	c.entries[key] = entry{value: value, storedAt: c.now()}
	c.mu.Unlock()
}

// Len returns the number of physically stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
