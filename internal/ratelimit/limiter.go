// Package ratelimit implements the per-subject sliding-minute limiter used
// in front of every authenticated route. A counter lives under the
// (subject, current UTC minute) key with a 60s TTL, so buckets expire on
// their own and no cleanup job is needed.
//
// Two thresholds apply independently: requests past the steady per-minute
// threshold are still counted but flagged limited; requests at or past the
// burst ceiling are rejected without incrementing the counter.
package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	dErrors "civid/pkg/domain-errors"
	"civid/pkg/requestcontext"
)

// CounterStore is the shared counter backend. Multiple service instances
// coordinate only through this store.
type CounterStore interface {
	// Get returns the current count for key; found is false when the key
	// does not exist (first request in the bucket, or expired).
	Get(ctx context.Context, key string) (count int64, found bool, err error)
	// Seed creates the key with count 1 and the given TTL.
	Seed(ctx context.Context, key string, ttl time.Duration) error
	// Incr increments the key and returns the new count.
	Incr(ctx context.Context, key string) (int64, error)
}

// Result is the outcome of a rate limit check.
type Result struct {
	Limited bool
	Count   int64
	Limit   int
	ResetAt time.Time
	RetryIn time.Duration
}

const (
	keyPrefix    = "ratelimit:"
	bucketWindow = 60 * time.Second
)

// Limiter evaluates the per-subject thresholds against a CounterStore.
type Limiter struct {
	store     CounterStore
	perMinute int
	burst     int
	logger    *slog.Logger
	clock     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the limiter's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock sets the clock function for testability.
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// New constructs a Limiter. perMinute is the steady-state threshold and
// burst the hard ceiling; both must be positive and burst >= perMinute.
func New(store CounterStore, perMinute, burst int, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "counter store is required")
	}
	if perMinute <= 0 || burst <= 0 || burst < perMinute {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "invalid rate limit thresholds")
	}
	l := &Limiter{
		store:     store,
		perMinute: perMinute,
		burst:     burst,
		logger:    slog.Default(),
		clock:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

// sanitizeKeySegment escapes the delimiter so user-controlled identifiers
// containing ':' cannot collide with adjacent buckets.
func sanitizeKeySegment(s string) string {
	return strings.ReplaceAll(s, ":", "_")
}

func (l *Limiter) key(subject string, now time.Time) string {
	bucket := now.UTC().Unix() / 60
	return keyPrefix + sanitizeKeySegment(subject) + ":" + strconv.FormatInt(bucket, 10)
}

// Check evaluates and (below the burst ceiling) counts a request for the
// subject in the current minute bucket.
func (l *Limiter) Check(ctx context.Context, subject string) (*Result, error) {
	if subject == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "rate limit subject is required")
	}

	now := requestcontext.Now(ctx)
	if now.IsZero() {
		now = l.clock()
	}
	key := l.key(subject, now)
	resetAt := now.Truncate(time.Minute).Add(bucketWindow)

	count, found, err := l.store.Get(ctx, key)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "read rate limit counter")
	}
	if !found {
		if err := l.store.Seed(ctx, key, bucketWindow); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "seed rate limit counter")
		}
		recordOutcome(outcomeAllowed)
		return &Result{Limited: false, Count: 1, Limit: l.perMinute, ResetAt: resetAt}, nil
	}

	if count >= int64(l.burst) {
		// Hard ceiling: reject without counting.
		recordOutcome(outcomeRejected)
		l.logger.WarnContext(ctx, "rate limit burst ceiling hit",
			"subject", subject,
			"count", count,
			"burst", l.burst,
		)
		return &Result{Limited: true, Count: count, Limit: l.perMinute, ResetAt: resetAt, RetryIn: resetAt.Sub(now)}, nil
	}

	n, err := l.store.Incr(ctx, key)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "increment rate limit counter")
	}
	if n > int64(l.perMinute) {
		recordOutcome(outcomeLimited)
		return &Result{Limited: true, Count: n, Limit: l.perMinute, ResetAt: resetAt, RetryIn: resetAt.Sub(now)}, nil
	}
	recordOutcome(outcomeAllowed)
	return &Result{Limited: false, Count: n, Limit: l.perMinute, ResetAt: resetAt}, nil
}
