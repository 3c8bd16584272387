//go:build integration

package containers

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// redisImage pins the same major version the revocation list and rate
// limit counters run against in production.
const redisImage = "redis:7-alpine"

// RedisContainer is a running Redis instance for integration suites,
// with a connected client ready for the revocation and counter stores.
type RedisContainer struct {
	Container testcontainers.Container
	Addr      string
	Client    *redis.Client
}

// NewRedisContainer starts Redis and verifies connectivity. The container
// is shared through the singleton Manager across suites, so there is no
// t.Cleanup; Ryuk reaps it when the test process exits.
func NewRedisContainer(t *testing.T) *RedisContainer {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcredis.Run(ctx, redisImage)
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}

	uri, err := ctr.ConnectionString(ctx)
	if err != nil {
		_ = ctr.Terminate(ctx)
		t.Fatalf("redis connection string: %v", err)
	}
	opts, err := redis.ParseURL(uri)
	if err != nil {
		_ = ctr.Terminate(ctx)
		t.Fatalf("parse redis url %q: %v", uri, err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		_ = ctr.Terminate(ctx)
		t.Fatalf("ping redis: %v", err)
	}

	return &RedisContainer{Container: ctr, Addr: uri, Client: client}
}

// FlushAll wipes every key, isolating one test from the next on the
// shared instance.
func (r *RedisContainer) FlushAll(ctx context.Context) error {
	return r.Client.FlushAll(ctx).Err()
}
