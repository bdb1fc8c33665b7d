package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of go-redis client methods used by RedisCache.
type RedisClient interface {
	redis.Scripter
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
}

// RedisCache shares cached entitlements across replicas. Tenant generations
// and the epoch are Redis counters, so an invalidation on one replica is seen
// by all. Entries are stored as "<generation>|<json>". Redis errors degrade to
// cache misses.
type RedisCache struct {
	client RedisClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisCache creates a RedisCache. A zero ttl defaults to 30s.
func NewRedisCache(client RedisClient, prefix string, ttl time.Duration, logger *slog.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

// cacheSetScript stores the entry only if the epoch still matches, stamping
// it with the tenant generation read in the same step.
var cacheSetScript = redis.NewScript(`
local epoch = redis.call('GET', KEYS[1]) or '0'
if epoch ~= ARGV[1] then return 0 end
local gen = redis.call('GET', KEYS[2]) or '0'
redis.call('SET', KEYS[3], gen .. '|' .. ARGV[2], 'PX', ARGV[3])
return 1
`)

func (c *RedisCache) entryKey(principalID string) string { return c.prefix + "ent:" + principalID }
func (c *RedisCache) genKey(tenantID string) string      { return c.prefix + "gen:" + tenantID }
func (c *RedisCache) epochKey() string                   { return c.prefix + "epoch" }

func (c *RedisCache) counter(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (c *RedisCache) Get(ctx context.Context, principalID string) (*Entitlement, bool) {
	raw, err := c.client.Get(ctx, c.entryKey(principalID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("entitlement cache get failed", "principal_id", principalID, "error", err)
		}
		return nil, false
	}
	genStr, data, ok := strings.Cut(raw, "|")
	if !ok {
		return nil, false
	}
	stored, err := strconv.ParseInt(genStr, 10, 64)
	if err != nil {
		return nil, false
	}
	var e Entitlement
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, false
	}
	gen, err := c.counter(ctx, c.genKey(e.TenantID))
	if err != nil {
		c.logger.Warn("entitlement cache generation read failed", "tenant_id", e.TenantID, "error", err)
		return nil, false
	}
	if gen != stored {
		return nil, false
	}
	return &e, true
}

func (c *RedisCache) Epoch(ctx context.Context) (uint64, bool) {
	epoch, err := c.counter(ctx, c.epochKey())
	if err != nil {
		c.logger.Warn("entitlement cache epoch read failed", "error", err)
		return 0, false
	}
	return uint64(epoch), true
}

func (c *RedisCache) Set(ctx context.Context, e *Entitlement, epoch uint64) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	keys := []string{c.epochKey(), c.genKey(e.TenantID), c.entryKey(e.PrincipalID)}
	args := []any{strconv.FormatUint(epoch, 10), string(data), c.ttl.Milliseconds()}
	if err := cacheSetScript.Run(ctx, c.client, keys, args...).Err(); err != nil {
		c.logger.Warn("entitlement cache set failed", "principal_id", e.PrincipalID, "error", err)
	}
}

// InvalidatePrincipal advances the epoch before deleting, so a concurrent Set
// either sees the new epoch or is deleted afterwards.
func (c *RedisCache) InvalidatePrincipal(ctx context.Context, principalID string) {
	c.bumpEpoch(ctx)
	if err := c.client.Del(ctx, c.entryKey(principalID)).Err(); err != nil {
		c.logger.Warn("entitlement cache invalidate failed", "principal_id", principalID, "error", err)
	}
}

func (c *RedisCache) InvalidateTenant(ctx context.Context, tenantID string) {
	c.bumpEpoch(ctx)
	if err := c.client.Incr(ctx, c.genKey(tenantID)).Err(); err != nil {
		c.logger.Warn("entitlement cache invalidate failed", "tenant_id", tenantID, "error", err)
	}
}

func (c *RedisCache) bumpEpoch(ctx context.Context) {
	if err := c.client.Incr(ctx, c.epochKey()).Err(); err != nil {
		c.logger.Warn("entitlement cache epoch bump failed", "error", err)
	}
}

var _ Cache = (*RedisCache)(nil)
