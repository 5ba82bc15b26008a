package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// StageCache holds stage catalogs keyed by Scope.Key.
type StageCache interface {
	Get(ctx context.Context, key string) ([]Stage, bool, error)
	Set(ctx context.Context, key string, stages []Stage) error
	Invalidate(ctx context.Context, key string) error
}

const stageCachePrefix = "carepath:catalog:stages:"

// RedisStageCache stores stage catalogs as JSON with a TTL.
type RedisStageCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStageCache(client *redis.Client, ttl time.Duration) *RedisStageCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisStageCache{client: client, ttl: ttl}
}

func (c *RedisStageCache) Get(ctx context.Context, key string) ([]Stage, bool, error) {
	raw, err := c.client.Get(ctx, stageCachePrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("catalog cache get %s: %w", key, err)
	}
	var stages []Stage
	if err := json.Unmarshal(raw, &stages); err != nil {
		return nil, false, fmt.Errorf("catalog cache decode %s: %w", key, err)
	}
	return stages, true, nil
}

func (c *RedisStageCache) Set(ctx context.Context, key string, stages []Stage) error {
	raw, err := json.Marshal(stages)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, stageCachePrefix+key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("catalog cache set %s: %w", key, err)
	}
	return nil
}

func (c *RedisStageCache) Invalidate(ctx context.Context, key string) error {
	return c.client.Del(ctx, stageCachePrefix+key).Err()
}
