package calendar

import (
	"encoding/json"
	"sync"
	"time"
)

// CacheEntry is the single cached calendar payload and its capture time.
type CacheEntry struct {
	CapturedAt time.Time
	Payload    json.RawMessage
}

// Cache is a single-slot cache: one calendar, one slot. A new successful
// upstream fetch unconditionally replaces the entry. It is safe under
// interleaved access from concurrent requests; concurrent misses may race
// into two upstream calls, which is accepted.
type Cache struct {
	ttl time.Duration

	mu    sync.RWMutex
	entry *CacheEntry
}

// NewCache builds a cache with the given freshness TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl}
}

// TTL returns the configured freshness window.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns the current entry (fresh or stale) and whether one exists.
func (c *Cache) Get() (*CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.entry == nil {
		return nil, false
	}
	return c.entry, true
}

// Fresh reports whether the current entry exists and is inside the TTL at now.
func (c *Cache) Fresh(now time.Time) (*CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.entry == nil {
		return nil, false
	}
	if now.Sub(c.entry.CapturedAt) >= c.ttl {
		return nil, false
	}
	return c.entry, true
}

// Set replaces the slot with a new payload captured at now.
func (c *Cache) Set(payload json.RawMessage, now time.Time) {
	c.mu.Lock()
	c.entry = &CacheEntry{CapturedAt: now, Payload: payload}
	c.mu.Unlock()
}

// Clear empties the slot.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entry = nil
	c.mu.Unlock()
}
