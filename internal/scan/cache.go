package scan

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// cacheEntry is one cached scan result, keyed by the range fingerprint.
type cacheEntry struct {
	Fingerprint string    `json:"fingerprint"`
	Result      *Result   `json:"result"`
	CachedAt    time.Time `json:"cached_at"`
}

// resultCache keeps completed scan results for fingerprint-identical
// re-requests. The expirable LRU handles TTL; the eviction policy on
// top removes expired entries first and then the oldest, so the hard
// cap never displaces a fresh entry while a stale one remains. Reads
// use Peek, which keeps the LRU order equal to insertion order.
type resultCache struct {
	mu     sync.Mutex
	lru    *expirable.LRU[string, *cacheEntry]
	ttl    time.Duration
	max    int
	hits   atomic.Uint64
	misses atomic.Uint64
}

func newResultCache(max int, ttl time.Duration) *resultCache {
	if max <= 0 {
		max = 100
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &resultCache{
		// Sized one past the cap so the library never evicts on Add;
		// eviction order stays ours.
		lru: expirable.NewLRU[string, *cacheEntry](max+1, nil, ttl),
		ttl: ttl,
		max: max,
	}
}

// get returns a fresh cached result or nil. Freshness is judged by the
// entry's own CachedAt, not just the LRU clock: restored entries keep
// the age they had when persisted.
func (c *resultCache) get(fingerprint string) *Result {
	c.mu.Lock()
	entry, ok := c.lru.Peek(fingerprint)
	c.mu.Unlock()
	if !ok || entry == nil || entry.Result == nil || time.Since(entry.CachedAt) >= c.ttl {
		c.misses.Add(1)
		return nil
	}
	c.hits.Add(1)
	return entry.Result
}

// put stores a completed result, making room first: expired entries go,
// then the oldest, until the cap holds.
func (c *resultCache) put(fingerprint string, res *Result, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Remove(fingerprint)
	c.evictExpiredLocked()
	for c.lru.Len() >= c.max {
		keys := c.lru.Keys()
		if len(keys) == 0 {
			break
		}
		c.lru.Remove(keys[0])
	}
	c.lru.Add(fingerprint, &cacheEntry{Fingerprint: fingerprint, Result: res, CachedAt: now})
}

// evictExpired drops stale entries and reports how many were removed.
func (c *resultCache) evictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictExpiredLocked()
}

func (c *resultCache) evictExpiredLocked() int {
	removed := 0
	for _, key := range c.lru.Keys() {
		entry, ok := c.lru.Peek(key)
		if !ok || entry == nil || time.Since(entry.CachedAt) >= c.ttl {
			c.lru.Remove(key)
			removed++
		}
	}
	return removed
}

func (c *resultCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// snapshot copies the live entries, oldest first, for persistence.
func (c *resultCache) snapshot() []cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []cacheEntry
	for _, key := range c.lru.Keys() {
		if entry, ok := c.lru.Peek(key); ok && entry != nil {
			out = append(out, *entry)
		}
	}
	return out
}

// restore reloads persisted entries, dropping any that are malformed or
// already past their TTL. Entries are inserted oldest first so the
// in-memory order matches their age.
func (c *resultCache) restore(entries []cacheEntry, now time.Time) int {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CachedAt.Before(entries[j].CachedAt)
	})
	kept := 0
	for _, entry := range entries {
		if entry.Fingerprint == "" || entry.Result == nil {
			continue
		}
		if now.Sub(entry.CachedAt) >= c.ttl {
			continue
		}
		entry := entry
		c.put(entry.Fingerprint, entry.Result, entry.CachedAt)
		kept++
	}
	return kept
}

// stats reports cache occupancy and hit counters for the collector.
func (c *resultCache) stats() (size int, hits, misses uint64) {
	return c.len(), c.hits.Load(), c.misses.Load()
}
