package scan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachePutGet(t *testing.T) {
	c := newResultCache(4, time.Minute)
	c.put("fp", &Result{ScanID: "s1", CamerasFound: 2}, time.Now())

	got := c.get("fp")
	require.NotNil(t, got)
	assert.Equal(t, "s1", got.ScanID)
	assert.Nil(t, c.get("unknown"))

	size, hits, misses := c.stats()
	assert.Equal(t, 1, size)
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestCacheEntryExpires(t *testing.T) {
	c := newResultCache(4, 30*time.Millisecond)
	c.put("fp", &Result{ScanID: "s1"}, time.Now())
	require.NotNil(t, c.get("fp"))

	time.Sleep(60 * time.Millisecond)
	assert.Nil(t, c.get("fp"))
	c.evictExpired()
	assert.Equal(t, 0, c.len())
}

func TestCacheCapEvictsOldestFirst(t *testing.T) {
	c := newResultCache(3, time.Minute)
	now := time.Now()
	c.put("a", &Result{ScanID: "a"}, now.Add(-3*time.Second))
	c.put("b", &Result{ScanID: "b"}, now.Add(-2*time.Second))
	c.put("c", &Result{ScanID: "c"}, now.Add(-time.Second))
	c.put("d", &Result{ScanID: "d"}, now)

	assert.Equal(t, 3, c.len())
	assert.Nil(t, c.get("a"), "oldest entry evicted at the cap")
	assert.NotNil(t, c.get("b"))
	assert.NotNil(t, c.get("d"))
}

func TestCacheEvictsExpiredBeforeOldest(t *testing.T) {
	c := newResultCache(2, 40*time.Millisecond)
	c.put("stale", &Result{ScanID: "stale"}, time.Now())
	time.Sleep(50 * time.Millisecond)

	c.put("fresh1", &Result{ScanID: "fresh1"}, time.Now())
	c.put("fresh2", &Result{ScanID: "fresh2"}, time.Now())

	assert.Nil(t, c.get("stale"), "expired entry went first, not a fresh one")
	assert.NotNil(t, c.get("fresh1"))
	assert.NotNil(t, c.get("fresh2"))
}

func TestCacheUpdateKeepsSingleEntry(t *testing.T) {
	c := newResultCache(3, time.Minute)
	c.put("fp", &Result{ScanID: "old"}, time.Now().Add(-time.Second))
	c.put("fp", &Result{ScanID: "new"}, time.Now())

	assert.Equal(t, 1, c.len())
	assert.Equal(t, "new", c.get("fp").ScanID)
}

func TestCacheSnapshotRestoreRoundTrip(t *testing.T) {
	c := newResultCache(4, time.Hour)
	c.put("fp1", &Result{ScanID: "s1"}, time.Now().Add(-time.Minute))
	c.put("fp2", &Result{ScanID: "s2"}, time.Now())

	entries := c.snapshot()
	require.Len(t, entries, 2)
	assert.Equal(t, "fp1", entries[0].Fingerprint, "snapshot is oldest first")

	restored := newResultCache(4, time.Hour)
	assert.Equal(t, 2, restored.restore(entries, time.Now()))
	assert.Equal(t, "s1", restored.get("fp1").ScanID)
	assert.Equal(t, "s2", restored.get("fp2").ScanID)
}

func TestCacheRestoreSkipsStaleAndMalformed(t *testing.T) {
	c := newResultCache(8, time.Hour)
	now := time.Now()
	entries := []cacheEntry{
		{Fingerprint: "good", Result: &Result{ScanID: "good"}, CachedAt: now.Add(-time.Minute)},
		{Fingerprint: "stale", Result: &Result{ScanID: "stale"}, CachedAt: now.Add(-2 * time.Hour)},
		{Fingerprint: "", Result: &Result{ScanID: "anon"}, CachedAt: now},
		{Fingerprint: "hollow", Result: nil, CachedAt: now},
	}
	assert.Equal(t, 1, c.restore(entries, now))
	assert.NotNil(t, c.get("good"))
	assert.Nil(t, c.get("stale"))
	assert.Nil(t, c.get("hollow"))
}
