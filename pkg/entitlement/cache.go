package entitlement

import (
	"context"
	"sync"
	"time"
)

// CacheStats holds cache performance statistics
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// CachedReader is a RecordReader that keeps recently read records in an
// in-memory LRU cache with TTL. Gates call GetRecord on every request; the
// webhook pipeline should Invalidate a user after applying an update.
// Missing records are not cached.
type CachedReader struct {
	next       RecordReader
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu        sync.Mutex
	entries   map[string]*cacheEntry
	sequence  int64
	hits      int64
	misses    int64
	evictions int64
}

type cacheEntry struct {
	record     Record
	expiration time.Time
	accessTime time.Time
	sequence   int64 // tiebreak when access times are equal
}

// NewCachedReader wraps next with a cache of at most maxEntries records.
// Defaults: 1000 entries, 30s TTL.
func NewCachedReader(next RecordReader, maxEntries int, ttl time.Duration) *CachedReader {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedReader{
		next:       next,
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		entries:    make(map[string]*cacheEntry, maxEntries),
	}
}

// GetRecord implements RecordReader
func (c *CachedReader) GetRecord(ctx context.Context, userID string) (*Record, error) {
	if rec, ok := c.get(userID); ok {
		return rec, nil
	}

	rec, err := c.next.GetRecord(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.set(userID, rec)
	out := *rec
	return &out, nil
}

// Invalidate drops the cached record for userID
func (c *CachedReader) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}

// Clear removes all entries
func (c *CachedReader) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry, c.maxEntries)
}

// Stats returns cache statistics
func (c *CachedReader) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}

func (c *CachedReader) get(userID string) (*Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry, ok := c.entries[userID]
	if !ok || now.After(entry.expiration) {
		c.misses++
		return nil, false
	}
	entry.accessTime = now
	c.hits++

	// copy so callers cannot modify the cached value
	rec := entry.record
	return &rec, true
}

func (c *CachedReader) set(userID string, rec *Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[userID]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}

	seq := c.sequence
	c.sequence++
	c.entries[userID] = &cacheEntry{
		record:     *rec,
		expiration: now.Add(c.ttl),
		accessTime: now,
		sequence:   seq,
	}
}

// evictOldest removes the least recently used entry. Caller holds mu.
func (c *CachedReader) evictOldest() {
	var (
		oldestKey  string
		oldestTime time.Time
		oldestSeq  int64
		first      = true
	)
	for key, entry := range c.entries {
		if first || entry.accessTime.Before(oldestTime) ||
			(entry.accessTime.Equal(oldestTime) && entry.sequence < oldestSeq) {
			oldestKey = key
			oldestTime = entry.accessTime
			oldestSeq = entry.sequence
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

var _ RecordReader = (*CachedReader)(nil)
