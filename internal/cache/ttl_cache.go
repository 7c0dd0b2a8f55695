// Package cache provides the in-memory caches the UI reads through while
// offline: a generic TTL cache for subscription/usage lookups, an LRU+TTL
// message cache keyed by conversation, and pagination bookkeeping.
//
// Nothing in this package is persisted: a cold start always misses. Durable
// state lives in the queue layer.
package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_cache_hits_total",
			Help: "Cache reads that returned a live entry.",
		},
		[]string{"cache"},
	)
	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_cache_misses_total",
			Help: "Cache reads that found nothing, an expired entry, or a schema mismatch.",
		},
		[]string{"cache"},
	)
	cacheEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_cache_evictions_total",
			Help: "Entries removed by TTL expiry, LRU pressure, or compaction.",
		},
		[]string{"cache", "reason"},
	)
)

func init() {
	prometheus.MustRegister(cacheHits, cacheMisses, cacheEvictions)
}

// ttlEntry is one stored value with its expiry window and the schema version
// it was written under.
type ttlEntry[T any] struct {
	data      T
	createdAt time.Time
	expiresAt time.Time
	version   string
}

// TTLCache is a keyed expiring cache. Entries are readable only while
// now < expiresAt and their schema version matches the cache's; a read past
// either boundary deletes the entry and reports a miss (lazy expiration).
//
// All operations are O(1) amortized except Invalidate, which scans all keys;
// acceptable because the key population is small and bounded.
//
// Safe for concurrent use.
type TTLCache[T any] struct {
	mu      sync.Mutex
	name    string
	version string
	entries map[string]ttlEntry[T]

	// now is a test seam.
	now func() time.Time
}

// NewTTLCache constructs an empty cache. name labels metrics; version is the
// schema version stamped on every entry; bump it on app upgrade and stale
// entries become misses instead of decode hazards.
func NewTTLCache[T any](name, version string) *TTLCache[T] {
	return &TTLCache[T]{
		name:    name,
		version: version,
		entries: make(map[string]ttlEntry[T]),
		now:     time.Now,
	}
}

// Set stores data under key for ttl.
func (c *TTLCache[T]) Set(key string, data T, ttl time.Duration) {
	now := c.now()
	c.mu.Lock()
	c.entries[key] = ttlEntry[T]{
		data:      data,
		createdAt: now,
		expiresAt: now.Add(ttl),
		version:   c.version,
	}
	c.mu.Unlock()
}

// Get returns the live value under key. Expired or version-mismatched
// entries are deleted and reported as a miss.
func (c *TTLCache[T]) Get(key string) (T, bool) {
	var zero T
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		cacheMisses.WithLabelValues(c.name).Inc()
		return zero, false
	}
	if !c.now().Before(e.expiresAt) || e.version != c.version {
		delete(c.entries, key)
		cacheEvictions.WithLabelValues(c.name, "expired").Inc()
		cacheMisses.WithLabelValues(c.name).Inc()
		return zero, false
	}
	cacheHits.WithLabelValues(c.name).Inc()
	return e.data, true
}

// Has reports whether a live entry exists under key, deleting it when
// expired, exactly like Get.
func (c *TTLCache[T]) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Invalidate removes every key containing pattern as a substring (e.g. all
// entries for one user). Returns the number of removed entries.
func (c *TTLCache[T]) Invalidate(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if strings.Contains(k, pattern) {
			delete(c.entries, k)
			n++
		}
	}
	if n > 0 {
		cacheEvictions.WithLabelValues(c.name, "invalidated").Add(float64(n))
	}
	return n
}

// Clear removes all entries.
func (c *TTLCache[T]) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]ttlEntry[T])
	c.mu.Unlock()
}

// Len reports the number of stored entries, including any not yet lazily
// expired.
func (c *TTLCache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
