package manifest

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// Cache is a content-addressed byte cache. Concurrent fetches for the same
// key collapse into one underlying fetch; all waiters receive the same
// bytes. Entries live until Flush.
type Cache struct {
	entries sync.Map // map[string][]byte
	group   singleflight.Group
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{}
}

// processCache backs every resolver that does not bring its own cache.
// Populated lazily, cleared only via FlushCache.
var processCache = NewCache()

// FlushCache clears the process-wide resolved-bytes cache.
func FlushCache() {
	processCache.Flush()
}

// GetOrFetch returns the cached bytes for key, or runs fetch exactly once
// to populate them. A failed fetch caches nothing.
func (c *Cache) GetOrFetch(key string, fetch func() ([]byte, error)) ([]byte, error) {
	if v, ok := c.entries.Load(key); ok {
		return v.([]byte), nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check after winning the flight: a previous flight may have
		// stored the entry between our Load and Do.
		if v, ok := c.entries.Load(key); ok {
			return v, nil
		}
		data, err := fetch()
		if err != nil {
			return nil, err
		}
		c.entries.Store(key, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Flush drops every cached entry.
func (c *Cache) Flush() {
	c.entries.Range(func(key, _ any) bool {
		c.entries.Delete(key)
		return true
	})
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
