// Package cache holds the in-process and file-backed cache tiers that sit
// in front of the structured store.
package cache

import "sync"

// Memory is the process-local tier: a plain keyed map with no TTL beyond
// process lifetime, used for same-run deduplication. Safe for concurrent
// use.
type Memory struct {
	mu sync.RWMutex
	m  map[string]any
}

// NewMemory returns an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{m: make(map[string]any)}
}

// Get returns the cached value and whether it was present.
func (c *Memory) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.m[key]
	return v, ok
}

// Set stores a value under key, replacing any prior value.
func (c *Memory) Set(key string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = v
}

// Delete removes a key.
func (c *Memory) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
}

// Clear drops every entry.
func (c *Memory) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m = make(map[string]any)
}

// Len reports the number of cached entries.
func (c *Memory) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}
