package data

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultCacheSize = 256
	defaultCacheTTL  = 24 * time.Hour
)

// cameraCache fronts camera reads with a TTL'd LRU. Reads populate it,
// writes go through it, counter updates invalidate. Expired entries are
// refused lazily on access and swept by the hourly maintenance pass.
type cameraCache struct {
	lru *expirable.LRU[string, *CameraRecord]
}

func newCameraCache(size int, ttl time.Duration) *cameraCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &cameraCache{lru: expirable.NewLRU[string, *CameraRecord](size, nil, ttl)}
}

func (c *cameraCache) get(id string) (*CameraRecord, bool) { return c.lru.Get(id) }
func (c *cameraCache) put(rec *CameraRecord)               { c.lru.Add(rec.CameraID, rec) }
func (c *cameraCache) drop(id string)                      { c.lru.Remove(id) }
func (c *cameraCache) len() int                            { return c.lru.Len() }
func (c *cameraCache) purge()                              { c.lru.Purge() }

// purgeExpired removes entries past their TTL without refreshing
// recency on the survivors.
func (c *cameraCache) purgeExpired() int {
	removed := 0
	for _, key := range c.lru.Keys() {
		if _, ok := c.lru.Peek(key); !ok {
			if c.lru.Remove(key) {
				removed++
			}
		}
	}
	return removed
}
