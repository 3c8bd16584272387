// Package revocation implements the token revocation list. Keys are token
// JTIs with a TTL equal to the token's remaining lifetime, so the list
// self-prunes and never grows unbounded.
package revocation

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var isRevokedDurationMs = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "civid_is_token_revoked_duration_ms",
	Help:    "Latency of token revocation checks in milliseconds",
	Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25},
})

const revokedTokenKeyPrefix = "trl:jti:"

// RedisList is the Redis-backed revocation list shared by all service
// instances. This is the production implementation; the in-memory list is
// for tests and single-node development.
type RedisList struct {
	client *redis.Client
}

// NewRedis constructs a Redis-backed revocation list.
func NewRedis(client *redis.Client) *RedisList {
	return &RedisList{client: client}
}

// Revoke adds a JTI to the list with the given TTL. Uses SETEX so the
// set-with-expiry is atomic.
func (l *RedisList) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if err := validateTTL(ttl); err != nil {
		return err
	}
	if jti == "" {
		return nil
	}
	// Key existence is the marker; the value is irrelevant.
	return l.client.Set(ctx, revokedTokenKeyPrefix+jti, "1", ttl).Err()
}

// IsRevoked checks membership. A missing key means not revoked (or already
// expired, which is equivalent).
func (l *RedisList) IsRevoked(ctx context.Context, jti string) (bool, error) {
	start := time.Now()
	defer func() {
		isRevokedDurationMs.Observe(float64(time.Since(start).Microseconds()) / 1000.0)
	}()

	if jti == "" {
		return false, nil
	}
	_, err := l.client.Get(ctx, revokedTokenKeyPrefix+jti).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
