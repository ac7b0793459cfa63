package signal

import (
	"sync"
	"time"
)

// Cache is the in-process deduplication layer: the first of the three
// layers (cache, distributed lock, durable log unique constraint).
type Cache struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	retention time.Duration
}

func NewCache(retention time.Duration) *Cache {
	return &Cache{
		seen:      make(map[string]time.Time),
		retention: retention,
	}
}

// Seen records the fingerprint and reports whether it was already present.
// Entries older than the retention window are swept on the way in.
func (c *Cache) Seen(fingerprint string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for fp, at := range c.seen {
		if now.Sub(at) > c.retention {
			delete(c.seen, fp)
		}
	}
	if _, ok := c.seen[fingerprint]; ok {
		return true
	}
	c.seen[fingerprint] = now
	return false
}

// Forget drops a fingerprint so a later retransmission is processed
// again. Used when handling failed on infrastructure, not on the signal.
func (c *Cache) Forget(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, fingerprint)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
