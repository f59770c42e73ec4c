package storage

import (
	"context"
	"sync"
	"time"

	"github.com/oxford22/guthwine/pkg/contracts"
)

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

type slidingEntry struct {
	amount float64
	count  int
	at     time.Time
}

// MemoryCache is an in-memory Cache for tests and the bootstrap CLI.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	windows map[string][]slidingEntry
	locks   map[string]bool
}

// NewMemoryCache builds an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]cacheEntry),
		windows: make(map[string][]slidingEntry),
		locks:   make(map[string]bool),
	}
}

func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *MemoryCache) DeletePattern(ctx context.Context, pattern string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if matchPrefix(k, pattern) {
			delete(c.entries, k)
		}
	}
	return nil
}

func matchPrefix(key, pattern string) bool {
	if len(pattern) > 0 && pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(key) >= len(prefix) && key[:len(prefix)] == prefix
	}
	return key == pattern
}

// SlidingWindowIncr folds amount/count into key's window, evicting entries
// older than window before adding the new one.
func (c *MemoryCache) SlidingWindowIncr(ctx context.Context, key string, window time.Duration, amount float64, count int) (float64, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-window)

	var kept []slidingEntry
	for _, e := range c.windows[key] {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	kept = append(kept, slidingEntry{amount: amount, count: count, at: now})
	c.windows[key] = kept

	var totalAmount float64
	var totalCount int
	for _, e := range kept {
		totalAmount += e.amount
		totalCount += e.count
	}
	return totalAmount, totalCount, nil
}

// Lock is a process-local mutual-exclusion lock keyed by string; sufficient
// for the single-instance bootstrap CLI and tests. ttl is advisory here
// since there is no cross-process lease to expire.
func (c *MemoryCache) Lock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locks[key] {
		return nil, false, nil
	}
	c.locks[key] = true
	release := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.locks, key)
	}
	return release, true, nil
}

var _ contracts.Cache = (*MemoryCache)(nil)
