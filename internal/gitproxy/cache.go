package gitproxy

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Jisu-Woniu/aur-mirror-meta/internal/metrics"
)

// CacheKey identifies a pack response. Shape fingerprints the parts of the
// request besides the wanted commit that change the bytes upstream sends
// back (capabilities, depth, filter).
type CacheKey struct {
	Package string
	Commit  string
	Shape   string
}

// PackCache holds complete upload-pack responses. Entries are only ever
// added whole and never replaced: when two requests race to fill the same
// key the first one wins and the second result is dropped.
type PackCache struct {
	entries       *lru.Cache[CacheKey, []byte]
	maxEntryBytes int64
	bytes         atomic.Int64
}

// NewPackCache creates a cache of at most size entries, each at most
// maxEntryBytes long. A size of zero disables caching.
func NewPackCache(size int, maxEntryBytes int64) (*PackCache, error) {
	c := &PackCache{maxEntryBytes: maxEntryBytes}
	if size <= 0 {
		return c, nil
	}
	entries, err := lru.NewWithEvict[CacheKey, []byte](size, func(_ CacheKey, v []byte) {
		metrics.PackCacheBytes.Set(float64(c.bytes.Add(-int64(len(v)))))
	})
	if err != nil {
		return nil, err
	}
	c.entries = entries
	return c, nil
}

// Enabled reports whether the cache stores anything at all.
func (c *PackCache) Enabled() bool {
	return c != nil && c.entries != nil
}

// MaxEntryBytes is the largest response the cache accepts.
func (c *PackCache) MaxEntryBytes() int64 {
	return c.maxEntryBytes
}

// Get returns the cached response for key.
func (c *PackCache) Get(key CacheKey) ([]byte, bool) {
	if !c.Enabled() {
		return nil, false
	}
	return c.entries.Get(key)
}

// Add stores a complete response unless the key is already present or the
// response is too large. It reports whether data was stored.
func (c *PackCache) Add(key CacheKey, data []byte) bool {
	if !c.Enabled() || int64(len(data)) > c.maxEntryBytes {
		return false
	}
	if ok, _ := c.entries.ContainsOrAdd(key, data); ok {
		return false
	}
	metrics.PackCacheBytes.Set(float64(c.bytes.Add(int64(len(data)))))
	return true
}

// Len returns the number of cached responses.
func (c *PackCache) Len() int {
	if !c.Enabled() {
		return 0
	}
	return c.entries.Len()
}

// Bytes returns the total size of cached responses.
func (c *PackCache) Bytes() int64 {
	return c.bytes.Load()
}
