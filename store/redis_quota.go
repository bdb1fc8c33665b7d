package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/GoCodeAlone/controlplane/catalog"
)

// RedisClient is the subset of go-redis client methods used by the Redis
// backends. *redis.Client satisfies it.
type RedisClient interface {
	redis.Scripter
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
}

// Each mutation is one Lua script, so the condition and the write execute
// atomically on the server.
var (
	quotaCreateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'principal', ARGV[1], 'tenant', ARGV[2], 'resource', ARGV[3],
  'usage', ARGV[4], 'limit', ARGV[5], 'period_start', ARGV[6], 'updated_at', ARGV[7])
redis.call('SADD', KEYS[2], KEYS[1])
return 1
`)

	quotaIncrementScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'usage', 'limit', 'period_start', 'tenant')
if not cur[1] then return {-1} end
local usage = tonumber(cur[1])
local limit = tonumber(cur[2])
local amount = tonumber(ARGV[1])
if limit ~= tonumber(ARGV[2]) then return {-2} end
if limit ~= -1 and usage + amount > limit then return {-2} end
local n = redis.call('HINCRBY', KEYS[1], 'usage', amount)
redis.call('HSET', KEYS[1], 'updated_at', ARGV[3])
return {1, n, cur[3], cur[4]}
`)

	quotaResetScript = redis.NewScript(`
local ps = redis.call('HGET', KEYS[1], 'period_start')
if not ps then return -1 end
if ps ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'usage', 0, 'period_start', ARGV[2], 'updated_at', ARGV[3])
return 1
`)

	quotaSetFieldScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2], 'updated_at', ARGV[3])
return 1
`)
)

// RedisQuotaStore implements QuotaStore on Redis hashes. Each entry is a hash
// and each tenant has a set indexing its entry keys.
type RedisQuotaStore struct {
	client RedisClient
	prefix string
	now    func() time.Time
}

// NewRedisQuotaStore creates a RedisQuotaStore. prefix namespaces every key.
func NewRedisQuotaStore(client RedisClient, prefix string) *RedisQuotaStore {
	return &RedisQuotaStore{
		client: client,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *RedisQuotaStore) entryKey(key QuotaKey) string {
	return s.prefix + "quota:" + key.PrincipalID + ":" + string(key.Resource)
}

func (s *RedisQuotaStore) tenantKey(tenantID string) string {
	return s.prefix + "tenant:" + tenantID + ":quotas"
}

func redisUnavailable(op string, err error) error {
	return fmt.Errorf("redis %s: %w: %w", op, ErrUnavailable, err)
}

func decodeQuotaHash(h map[string]string) (*QuotaEntry, error) {
	usage, err := strconv.ParseInt(h["usage"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis: parse usage: %w", err)
	}
	limit, err := strconv.ParseInt(h["limit"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis: parse limit: %w", err)
	}
	start, err := time.Parse(time.RFC3339Nano, h["period_start"])
	if err != nil {
		return nil, fmt.Errorf("redis: parse period_start: %w", err)
	}
	e := &QuotaEntry{
		PrincipalID: h["principal"],
		TenantID:    h["tenant"],
		Resource:    catalog.ResourceType(h["resource"]),
		Usage:       usage,
		Limit:       catalog.Limit(limit),
		PeriodStart: start,
	}
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, h["updated_at"])
	return e, nil
}

func (s *RedisQuotaStore) GetQuota(ctx context.Context, key QuotaKey) (*QuotaEntry, error) {
	h, err := s.client.HGetAll(ctx, s.entryKey(key)).Result()
	if err != nil {
		return nil, redisUnavailable("get quota", err)
	}
	if len(h) == 0 {
		return nil, ErrNotFound
	}
	return decodeQuotaHash(h)
}

func (s *RedisQuotaStore) CreateQuota(ctx context.Context, e *QuotaEntry) error {
	e.UpdatedAt = s.now()
	created, err := quotaCreateScript.Run(ctx, s.client,
		[]string{s.entryKey(e.Key()), s.tenantKey(e.TenantID)},
		e.PrincipalID, e.TenantID, string(e.Resource),
		e.Usage, int64(e.Limit), formatTime(e.PeriodStart), formatTime(e.UpdatedAt),
	).Int64()
	if err != nil {
		return redisUnavailable("create quota", err)
	}
	if created == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *RedisQuotaStore) IncrementQuota(ctx context.Context, key QuotaKey, amount int64, limit catalog.Limit) (*QuotaEntry, error) {
	res, err := quotaIncrementScript.Run(ctx, s.client,
		[]string{s.entryKey(key)},
		amount, int64(limit), formatTime(s.now()),
	).Slice()
	if err != nil {
		return nil, redisUnavailable("increment quota", err)
	}
	if code, _ := res[0].(int64); code != 1 || len(res) < 4 {
		return nil, ErrConflict
	}
	usage, _ := res[1].(int64)
	startStr, _ := res[2].(string)
	tenantID, _ := res[3].(string)
	start, err := time.Parse(time.RFC3339Nano, startStr)
	if err != nil {
		return nil, fmt.Errorf("redis: parse period_start: %w", err)
	}
	return &QuotaEntry{
		PrincipalID: key.PrincipalID,
		TenantID:    tenantID,
		Resource:    key.Resource,
		Usage:       usage,
		Limit:       limit,
		PeriodStart: start,
		UpdatedAt:   s.now(),
	}, nil
}

func (s *RedisQuotaStore) ResetQuota(ctx context.Context, key QuotaKey, from, periodStart time.Time) error {
	res, err := quotaResetScript.Run(ctx, s.client,
		[]string{s.entryKey(key)},
		formatTime(from), formatTime(periodStart), formatTime(s.now()),
	).Int64()
	if err != nil {
		return redisUnavailable("reset quota", err)
	}
	switch res {
	case -1:
		return ErrNotFound
	case 0:
		return ErrConflict
	}
	return nil
}

func (s *RedisQuotaStore) setField(ctx context.Context, op string, key QuotaKey, field string, value int64) error {
	ok, err := quotaSetFieldScript.Run(ctx, s.client,
		[]string{s.entryKey(key)},
		field, value, formatTime(s.now()),
	).Int64()
	if err != nil {
		return redisUnavailable(op, err)
	}
	if ok == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisQuotaStore) SetQuotaLimit(ctx context.Context, key QuotaKey, limit catalog.Limit) error {
	return s.setField(ctx, "set quota limit", key, "limit", int64(limit))
}

func (s *RedisQuotaStore) SetQuotaUsage(ctx context.Context, key QuotaKey, usage int64) error {
	return s.setField(ctx, "set quota usage", key, "usage", usage)
}

func (s *RedisQuotaStore) ListQuotas(ctx context.Context, tenantID string) ([]*QuotaEntry, error) {
	keys, err := s.client.SMembers(ctx, s.tenantKey(tenantID)).Result()
	if err != nil {
		return nil, redisUnavailable("list quotas", err)
	}
	out := make([]*QuotaEntry, 0, len(keys))
	for _, k := range keys {
		h, err := s.client.HGetAll(ctx, k).Result()
		if err != nil {
			return nil, redisUnavailable("list quotas", err)
		}
		if len(h) == 0 {
			continue
		}
		e, err := decodeQuotaHash(h)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

var _ QuotaStore = (*RedisQuotaStore)(nil)
