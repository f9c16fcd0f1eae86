package webhook

import (
	"context"
	"sync"
	"time"
)

// MemoryReplayCache is a single-process ReplayCache. Expired entries are
// pruned lazily on each call.
type MemoryReplayCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryReplayCache creates an empty cache.
func NewMemoryReplayCache() *MemoryReplayCache {
	return &MemoryReplayCache{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (c *MemoryReplayCache) Seen(ctx context.Context, signature string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune()
	_, ok := c.entries[signature]
	return ok, nil
}

func (c *MemoryReplayCache) Record(ctx context.Context, signature string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune()
	if _, ok := c.entries[signature]; ok {
		return false, nil
	}
	c.entries[signature] = c.now().Add(ttl)
	return true, nil
}

// Len returns the number of live entries.
func (c *MemoryReplayCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune()
	return len(c.entries)
}

// prune must be called with mu held.
func (c *MemoryReplayCache) prune() {
	now := c.now()
	for sig, expires := range c.entries {
		if !now.Before(expires) {
			delete(c.entries, sig)
		}
	}
}
