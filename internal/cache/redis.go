package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/akl7777777/imei-intel/internal/model"
)

const redisKeyPrefix = "imei:result:"

// Redis stores entries as JSON strings. Redis' own expiry is set to the
// remaining TTL so stale keys do not pile up; the Cache still checks
// StoredAt on every read.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis wraps an existing client. Close does not close it.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Load(ctx context.Context, key string) (*model.CacheEntry, error) {
	val, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get value: %w", err)
	}

	var e model.CacheEntry
	if err := json.Unmarshal(val, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	return &e, nil
}

func (r *Redis) Save(ctx context.Context, key string, e *model.CacheEntry, ttl time.Duration) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, redisKeyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set value: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// Size counts result keys with SCAN. It is only used by /stats.
func (r *Redis) Size(ctx context.Context) int {
	count := 0
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if iter.Err() != nil {
		return 0
	}
	return count
}

// Close is a no-op; the client is shared and closed by its owner.
func (r *Redis) Close() error { return nil }
