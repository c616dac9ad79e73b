package snapshot

import (
	"context"
	"sync"
)

// UsageFetcher reads the space used by dataset@label from the store
type UsageFetcher func(ctx context.Context, dataset, label string) (uint64, error)

type usageKey struct {
	dataset string
	label   string
}

// UsageCache memoizes per-snapshot usage for the life of the process.
// Destroying any snapshot can shift usage attribution onto its neighbours,
// so the store calls Invalidate on every destroy. Entries never expire by time.
type UsageCache struct {
	mu      sync.Mutex
	fetch   UsageFetcher
	entries map[usageKey]uint64
}

// NewUsageCache creates an empty cache backed by fetch
func NewUsageCache(fetch UsageFetcher) *UsageCache {
	return &UsageCache{
		fetch:   fetch,
		entries: make(map[usageKey]uint64),
	}
}

// Get returns the cached usage or fetches and caches it
func (c *UsageCache) Get(ctx context.Context, dataset, label string) (uint64, error) {
	key := usageKey{dataset: dataset, label: label}

	c.mu.Lock()
	used, ok := c.entries[key]
	c.mu.Unlock()
	if ok {
		return used, nil
	}

	used, err := c.fetch(ctx, dataset, label)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.entries[key] = used
	c.mu.Unlock()
	return used, nil
}

// Invalidate drops every cached figure
func (c *UsageCache) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[usageKey]uint64)
	c.mu.Unlock()
}

// Len returns the number of cached figures
func (c *UsageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
