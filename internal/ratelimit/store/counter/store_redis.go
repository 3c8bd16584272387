// Package counter provides the shared rate-limit counter backends.
package counter

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps counters in Redis so concurrently running instances
// share the same buckets. Keys carry a TTL and expire on their own.
type RedisStore struct {
	client *redis.Client
}

// NewRedis constructs a Redis-backed counter store.
func NewRedis(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Get reads the current count for a key.
func (s *RedisStore) Get(ctx context.Context, key string) (int64, bool, error) {
	n, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// Seed creates the key with count 1 and the bucket TTL.
func (s *RedisStore) Seed(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.SetEx(ctx, key, 1, ttl).Err()
}

// Incr increments the key and returns the new count.
func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key).Result()
}
