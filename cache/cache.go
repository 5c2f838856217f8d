// Package cache stores transform results keyed by URL plus an
// option-derived variant hash, so the same page fetched with different
// transform options never collides.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/j0hanz/fetch-url-mcp-sub001/converter"
)

// DefaultTTL is how long entries stay fresh when no TTL is configured.
const DefaultTTL = 15 * time.Minute

// DefaultMaxEntries bounds the cache when no limit is configured.
const DefaultMaxEntries = 256

// Cache is an in-memory TTL cache of transform results.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]entry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

type entry struct {
	result  *converter.Result
	stored  time.Time
	expires time.Time
}

// New creates a Cache. Non-positive ttl or maxEntries fall back to defaults.
func New(ttl time.Duration, maxEntries int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache{
		entries:    make(map[string]entry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Key derives the cache key for a URL and its transform option variant.
func Key(url string, opts converter.Options) string {
	variant := fmt.Sprintf("%s|meta=%t|raw=%t", url, opts.IncludeMetadata, opts.SkipNoiseRemoval)
	sum := sha256.Sum256([]byte(variant))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached result for key, or nil when absent or expired.
func (c *Cache) Get(key string) *converter.Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	if c.now().After(e.expires) {
		delete(c.entries, key)
		return nil
	}
	return e.result
}

// Put stores a result, evicting the oldest entry when the cache is full.
func (c *Cache) Put(key string, result *converter.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		if _, exists := c.entries[key]; !exists {
			c.evictOldestLocked()
		}
	}
	now := c.now()
	c.entries[key] = entry{result: result, stored: now, expires: now.Add(c.ttl)}
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.stored.Before(oldest) {
			oldestKey = k
			oldest = e.stored
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
