package keys

import (
	"sync"
	"time"
)

type cacheEntry struct {
	material  []byte
	expiresAt time.Time
}

// MaterialCache holds derived key material in memory for a bounded TTL
// so hot paths avoid a derivation round trip per operation. Revocation
// evicts synchronously before returning, so a revoked key is never
// served from cache after Revoke completes.
type MaterialCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration

	now func() time.Time // injectable for tests
}

// NewMaterialCache returns a cache whose entries expire ttl after Put.
func NewMaterialCache(ttl time.Duration) *MaterialCache {
	return &MaterialCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached material and its expiry, or ok=false when the
// key is absent or expired. Expired entries are dropped lazily.
func (c *MaterialCache) Get(keyID string) ([]byte, time.Time, bool) {
	c.mu.RLock()
	e, ok := c.entries[keyID]
	c.mu.RUnlock()
	if !ok {
		return nil, time.Time{}, false
	}
	if c.now().After(e.expiresAt) {
		c.Evict(keyID)
		return nil, time.Time{}, false
	}
	return e.material, e.expiresAt, true
}

// Put stores material for keyID, resetting its TTL, and returns the
// entry's expiry.
func (c *MaterialCache) Put(keyID string, material []byte) time.Time {
	exp := c.now().Add(c.ttl)
	c.mu.Lock()
	c.entries[keyID] = cacheEntry{material: material, expiresAt: exp}
	c.mu.Unlock()
	return exp
}

// Evict removes keyID from the cache.
func (c *MaterialCache) Evict(keyID string) {
	c.mu.Lock()
	delete(c.entries, keyID)
	c.mu.Unlock()
}

// Clear drops all cached material.
func (c *MaterialCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// Len counts resident entries, including ones past expiry that have not
// been lazily dropped yet.
func (c *MaterialCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
