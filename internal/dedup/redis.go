package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/leadflow/model"
)

// RedisStore is a Redis-backed Store. Entries expire through key TTLs, so
// every replica of the engine shares one view of processed messages.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a Redis-backed dedup store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check looks up a recorded result in Redis.
func (s *RedisStore) Check(ctx context.Context, key string) (*model.ProcessResult, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("dedup: redis get %q: %w", key, err)
	}

	var result model.ProcessResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, false, fmt.Errorf("dedup: unmarshal entry %q: %w", key, err)
	}
	return &result, true, nil
}

// Store records a result in Redis with TTL.
func (s *RedisStore) Store(ctx context.Context, key string, result model.ProcessResult, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("dedup: marshal entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("dedup: redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
