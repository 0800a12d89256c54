package recommend

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

// Key derives the cache key for a strategy and its variant parameters. The
// same strategy with the same variants always maps to the same key, no
// matter in which order the variants were supplied.
func Key(strategy string, variants map[string]string) string {
	if len(variants) == 0 {
		return strategy + "|{}"
	}
	names := make([]string, 0, len(variants))
	for name := range variants {
		names = append(names, name)
	}
	sort.Strings(names)
	h := fnv.New64a()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{'='})
		h.Write([]byte(variants[name]))
		h.Write([]byte{'&'})
	}
	return fmt.Sprintf("%s|%x", strategy, h.Sum64())
}

// Entry is a cached recommendation response together with its age. Symbols
// lists the instruments the response mentions, so consumers can subscribe to
// live prices for them. The variants are not stored: they are part of the
// key.
type Entry struct {
	Response  *RecommendationResponse
	Symbols   []string
	CreatedAt time.Time
	TTL       time.Duration
	HitCount  int64
}

// CacheStats is an observability snapshot of the cache
type CacheStats struct {
	TotalEntries int
	Hits         int64
	Misses       int64
	HitRate      float64
}

// Cache stores recommendation responses per strategy/variant key with a
// time based expiry. Expired entries are not dropped eagerly: they stay
// readable as stale values so callers can show the previous result while a
// refresh is in flight.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Entry
	ttl     time.Duration
	hits    int64
	misses  int64
	nowFunc func() time.Time
}

// DefaultTTL is the expiry applied to cache entries unless overridden.
const DefaultTTL = 15 * time.Minute

// NewCache returns an empty cache whose entries expire after ttl.
// ttl <= 0 means DefaultTTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		entries: make(map[string]*Entry),
		ttl:     ttl,
		nowFunc: time.Now,
	}
}

// TTL returns the expiry applied to entries of this cache.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Read returns the cached response for key. fresh reports whether the entry
// is still within its TTL; an expired entry is still returned (with fresh
// false) so that callers can serve it while refreshing. Only fresh reads
// count as cache hits.
func (c *Cache) Read(key string) (resp *RecommendationResponse, fresh, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false, false
	}
	fresh = c.nowFunc().Sub(e.CreatedAt) <= e.TTL
	if fresh {
		c.hits++
		e.HitCount++
	} else {
		c.misses++
	}
	return e.Response, fresh, true
}

// Entry returns a snapshot of the stored entry for key, if any.
func (c *Cache) Entry(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Write stores resp under key with a full TTL. Writing a key that already
// exists simply resets its age, so concurrent refreshes that produce the
// same data are harmless.
func (c *Cache) Write(key string, resp *RecommendationResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &Entry{
		Response:  resp,
		Symbols:   responseSymbols(resp),
		CreatedAt: c.nowFunc(),
		TTL:       c.ttl,
	}
}

func responseSymbols(resp *RecommendationResponse) []string {
	if resp == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(resp.Recommendations))
	symbols := make([]string, 0, len(resp.Recommendations))
	for _, rec := range resp.Recommendations {
		if _, ok := seen[rec.Symbol]; ok {
			continue
		}
		seen[rec.Symbol] = struct{}{}
		symbols = append(symbols, rec.Symbol)
	}
	return symbols
}

// Invalidate drops the entry for key, if any.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidateAll drops every entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
}

// Len returns the number of stored entries, including expired ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns hit/miss counters since the cache was created.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return CacheStats{
		TotalEntries: len(c.entries),
		Hits:         c.hits,
		Misses:       c.misses,
		HitRate:      rate,
	}
}
