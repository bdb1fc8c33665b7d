package entitlement

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache stores resolved entitlements. Invalidating a tenant drops every
// cached entitlement of its principals without enumerating them: each entry
// remembers the tenant generation it was stored under and is ignored once
// the generation moves on.
//
// Every invalidation also advances the cache epoch. Callers read the epoch
// before loading records and pass it to Set, which stores nothing if any
// invalidation happened in between, so a load racing a tier change is never
// cached as fresh.
type Cache interface {
	Get(ctx context.Context, principalID string) (*Entitlement, bool)
	// Epoch returns the current epoch. ok is false when the cache cannot
	// tell, in which case the caller must not Set.
	Epoch(ctx context.Context) (epoch uint64, ok bool)
	Set(ctx context.Context, e *Entitlement, epoch uint64)
	InvalidatePrincipal(ctx context.Context, principalID string)
	InvalidateTenant(ctx context.Context, tenantID string)
}

// NopCache caches nothing.
type NopCache struct{}

func (NopCache) Get(context.Context, string) (*Entitlement, bool) { return nil, false }
func (NopCache) Epoch(context.Context) (uint64, bool)             { return 0, false }
func (NopCache) Set(context.Context, *Entitlement, uint64)        {}
func (NopCache) InvalidatePrincipal(context.Context, string)      {}
func (NopCache) InvalidateTenant(context.Context, string)         {}

// LocalCacheConfig configures a LocalCache.
type LocalCacheConfig struct {
	MaxSize int
	TTL     time.Duration
}

// LocalCache is a process-local LRU cache with TTL expiration.
type LocalCache struct {
	mu      sync.Mutex
	items   *lru.Cache[string, *localEntry]
	gens    map[string]uint64
	epoch   uint64
	maxSize int
	ttl     time.Duration
	now     func() time.Time

	hits      int64
	misses    int64
	evictions int64
}

type localEntry struct {
	value     *Entitlement
	gen       uint64
	expiresAt time.Time
}

// NewLocalCache creates a LocalCache, defaulting to 10000 entries and 30s.
func NewLocalCache(cfg LocalCacheConfig) *LocalCache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	items, _ := lru.New[string, *localEntry](cfg.MaxSize) // size is positive
	return &LocalCache{
		items:   items,
		gens:    make(map[string]uint64),
		maxSize: cfg.MaxSize,
		ttl:     cfg.TTL,
		now:     time.Now,
	}
}

func (c *LocalCache) Get(_ context.Context, principalID string) (*Entitlement, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.items.Get(principalID)
	if !ok {
		c.misses++
		return nil, false
	}
	if c.now().After(entry.expiresAt) || entry.gen != c.gens[entry.value.TenantID] {
		c.items.Remove(principalID)
		c.misses++
		return nil, false
	}
	c.hits++
	return entry.value, true
}

func (c *LocalCache) Epoch(context.Context) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch, true
}

func (c *LocalCache) Set(_ context.Context, e *Entitlement, epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return
	}

	entry := &localEntry{
		value:     e,
		gen:       c.gens[e.TenantID],
		expiresAt: c.now().Add(c.ttl),
	}
	if evicted := c.items.Add(e.PrincipalID, entry); evicted {
		c.evictions++
	}
}

func (c *LocalCache) InvalidatePrincipal(_ context.Context, principalID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.items.Remove(principalID)
}

func (c *LocalCache) InvalidateTenant(_ context.Context, tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.gens[tenantID]++
}

// Len returns the number of entries, including stale ones not yet evicted.
func (c *LocalCache) Len() int {
	return c.items.Len()
}

// CacheStats holds cache statistics.
type CacheStats struct {
	Size      int
	MaxSize   int
	Hits      int64
	Misses    int64
	Evictions int64
}

// Stats returns cache statistics.
func (c *LocalCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Size:      c.items.Len(),
		MaxSize:   c.maxSize,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

var (
	_ Cache = NopCache{}
	_ Cache = (*LocalCache)(nil)
)
