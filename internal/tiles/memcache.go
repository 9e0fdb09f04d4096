package tiles

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// memCache is the byte-budgeted LRU tier.  Eviction picks the single
// least-recently-touched entry via a linear scan, which is fine at the
// expected cardinality of a few dozen tiles.
type memCache struct {
	clock  clock.Clock
	budget int64

	mu      sync.Mutex
	entries map[Key]*memEntry
	total   int64

	hits   atomic.Int64
	misses atomic.Int64
}

type memEntry struct {
	data         []byte
	lastAccessed time.Time
}

func newMemCache(budget int64, clk clock.Clock) *memCache {
	return &memCache{
		clock:   clk,
		budget:  budget,
		entries: make(map[Key]*memEntry),
	}
}

// get returns the cached bytes and refreshes recency on hit.
func (c *memCache) get(key Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	e.lastAccessed = c.clock.Now()
	c.hits.Add(1)
	return e.data, true
}

// put inserts or replaces an entry.  A replacement first subtracts the
// prior size; entries are then evicted oldest-first until the incoming
// bytes fit.  A single item larger than the whole budget is stored alone,
// with the budget exceeded by definition.
func (c *memCache) put(key Key, data []byte) {
	incoming := int64(len(data))

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.entries[key]; ok {
		c.total -= int64(len(prev.data))
		delete(c.entries, key)
	}

	for c.total+incoming > c.budget && len(c.entries) > 0 {
		c.evictOldestLocked()
	}

	c.entries[key] = &memEntry{data: data, lastAccessed: c.clock.Now()}
	c.total += incoming
}

func (c *memCache) evictOldestLocked() {
	var oldestKey Key
	var oldest *memEntry
	for k, e := range c.entries {
		if oldest == nil || e.lastAccessed.Before(oldest.lastAccessed) {
			oldestKey, oldest = k, e
		}
	}
	if oldest != nil {
		c.total -= int64(len(oldest.data))
		delete(c.entries, oldestKey)
	}
}

func (c *memCache) stats() Stats {
	c.mu.Lock()
	entries, total := len(c.entries), c.total
	c.mu.Unlock()
	return Stats{
		MemEntries: entries,
		MemBytes:   total,
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
	}
}
