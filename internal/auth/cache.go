package auth

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/egressguard/egressguard/internal/utils"
)

// cachedIdentity holds a cached identity with timestamp
type cachedIdentity struct {
	identity Identity
	cachedAt time.Time
}

// Cache is an LRU cache for API key resolution
// Thread-safe, uses hashicorp/golang-lru under the hood
type Cache struct {
	cache *lru.Cache[string, *cachedIdentity]
	ttl   time.Duration
	mu    sync.RWMutex

	// Metrics
	hits   uint64
	misses uint64
}

// NewCache creates a new identity cache
func NewCache(maxSize int, ttl time.Duration) (*Cache, error) {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	cache, err := lru.New[string, *cachedIdentity](maxSize)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to create identity cache: %w", err)
	}

	return &Cache{
		cache: cache,
		ttl:   ttl,
	}, nil
}

// Get retrieves an identity from cache
// Returns Identity{}, false if not found, TTL expired, or cache is nil
func (c *Cache) Get(hashedKey string) (Identity, bool) {
	if c == nil || c.cache == nil {
		return Identity{}, false
	}

	c.mu.RLock()
	cached, ok := c.cache.Get(hashedKey)
	c.mu.RUnlock()

	if !ok {
		atomic.AddUint64(&c.misses, 1)
		return Identity{}, false
	}

	// Check TTL
	if time.Since(cached.cachedAt) > c.ttl {
		// TTL expired - re-check under write lock to avoid evicting a fresh
		// entry that another goroutine may have Set() in between.
		c.mu.Lock()
		current, stillExists := c.cache.Get(hashedKey)
		if stillExists && time.Since(current.cachedAt) > c.ttl {
			c.cache.Remove(hashedKey)
		}
		c.mu.Unlock()
		atomic.AddUint64(&c.misses, 1)
		return Identity{}, false
	}

	atomic.AddUint64(&c.hits, 1)
	return cached.identity, true
}

// Set adds an identity to cache
func (c *Cache) Set(hashedKey string, identity Identity) {
	if c == nil || c.cache == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache.Add(hashedKey, &cachedIdentity{
		identity: identity,
		cachedAt: utils.NowUTC(),
	})
}

// Stats returns cache hit/miss counters.
func (c *Cache) Stats() (hits, misses uint64) {
	return atomic.LoadUint64(&c.hits), atomic.LoadUint64(&c.misses)
}
