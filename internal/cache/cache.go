// Package cache provides a small in-memory TTL cache.
//
// It backs two hot paths: the intent verifier's composed system prompt
// (invalidated whenever the threat category registry changes) and the
// capability manifest snapshot served to agents. Entries expire lazily on
// read and eagerly via a background sweep.
package cache

import (
	"sync"
	"time"
)

type item struct {
	value     any
	expiresAt time.Time // zero means never
}

func (it item) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && now.After(it.expiresAt)
}

// Cache is a concurrency-safe TTL cache.
type Cache struct {
	mu     sync.RWMutex
	items  map[string]item
	hits   uint64
	misses uint64
	stop   chan struct{}
	once   sync.Once
}

// Stats reports hit/miss counters and the live entry count.
type Stats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Entries int    `json:"entries"`
}

// New creates a cache and starts its expiry sweep.
func New(sweepInterval time.Duration) *Cache {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	c := &Cache{items: map[string]item{}, stop: make(chan struct{})}
	go c.sweep(sweepInterval)
	return c
}

// Get returns the cached value for key, if present and unexpired.
func (c *Cache) Get(key string) (any, bool) {
	now := time.Now()
	c.mu.RLock()
	it, ok := c.items[key]
	c.mu.RUnlock()
	if !ok || it.expired(now) {
		c.mu.Lock()
		if ok {
			delete(c.items, key)
		}
		c.misses++
		c.mu.Unlock()
		return nil, false
	}
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	return it.value, true
}

// Set stores value under key. ttl <= 0 means the entry never expires.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	it := item{value: value}
	if ttl > 0 {
		it.expiresAt = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.items[key] = it
	c.mu.Unlock()
}

// Delete removes a key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.items = map[string]item{}
	c.mu.Unlock()
}

// GetStats returns a snapshot of the counters.
func (c *Cache) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Hits: c.hits, Misses: c.misses, Entries: len(c.items)}
}

// Close stops the background sweep.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *Cache) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for key, it := range c.items {
				if it.expired(now) {
					delete(c.items, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
