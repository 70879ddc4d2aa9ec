package service

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// cacheTTL is the lazy upper bound; eager invalidation and the tenant
// epoch keep entries honest well before it fires.
const cacheTTL = 5 * time.Minute

type cacheEntry struct {
	Permissions []string `json:"permissions"`
	Epoch       int64    `json:"epoch"`
}

// RedisCache stores resolved permission sets in Redis. Each tenant carries
// an epoch counter; bumping it makes every cached entry for that tenant
// stale at once without touching the individual keys.
type RedisCache struct {
	rdb *redis.Client
}

func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func cacheKey(tenantID, userID string) string { return "rbac:perm:" + tenantID + ":" + userID }
func epochKey(tenantID string) string         { return "rbac:epoch:" + tenantID }

func (c *RedisCache) Get(ctx context.Context, tenantID, userID string) (PermissionSet, bool) {
	raw, err := c.rdb.Get(ctx, cacheKey(tenantID, userID)).Result()
	if err != nil {
		return nil, false
	}
	var entry cacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, false
	}
	if entry.Epoch < c.currentEpoch(ctx, tenantID) {
		return nil, false
	}
	return NewPermissionSet(entry.Permissions), true
}

func (c *RedisCache) Put(ctx context.Context, tenantID, userID string, set PermissionSet) {
	entry := cacheEntry{
		Permissions: set.Keys(),
		Epoch:       c.currentEpoch(ctx, tenantID),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	c.rdb.Set(ctx, cacheKey(tenantID, userID), raw, cacheTTL) // nolint:errcheck
}

func (c *RedisCache) InvalidateUser(ctx context.Context, tenantID, userID string) {
	c.rdb.Del(ctx, cacheKey(tenantID, userID)) // nolint:errcheck
}

func (c *RedisCache) BumpEpoch(ctx context.Context, tenantID string) {
	c.rdb.Incr(ctx, epochKey(tenantID)) // nolint:errcheck
}

func (c *RedisCache) currentEpoch(ctx context.Context, tenantID string) int64 {
	raw, err := c.rdb.Get(ctx, epochKey(tenantID)).Result()
	if err != nil {
		return 0
	}
	epoch, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return epoch
}

var _ Cache = (*RedisCache)(nil)

// NoopCache disables caching; every resolution hits the repository. Used
// when Redis is not configured.
type NoopCache struct{}

func (NoopCache) Get(context.Context, string, string) (PermissionSet, bool) { return nil, false }
func (NoopCache) Put(context.Context, string, string, PermissionSet)        {}
func (NoopCache) InvalidateUser(context.Context, string, string)            {}
func (NoopCache) BumpEpoch(context.Context, string)                         {}

var _ Cache = NoopCache{}
