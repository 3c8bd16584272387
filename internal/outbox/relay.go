package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Publisher is the broker-facing side of the relay.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

var (
	relayPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "civid_outbox_published_total",
		Help: "Outbox events successfully published to the broker.",
	})
	relayFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "civid_outbox_publish_failures_total",
		Help: "Outbox publish attempts that failed and will be retried.",
	})
)

// Relay polls the outbox table and publishes pending events. Rows are
// claimed with FOR UPDATE SKIP LOCKED so multiple replicas can run the
// relay without double-publishing within one polling pass; delivery is
// still at-least-once across crashes.
type Relay struct {
	pool      *pgxpool.Pool
	publisher Publisher
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithBatchSize overrides the per-pass claim size.
func WithBatchSize(n int) RelayOption {
	return func(r *Relay) { r.batchSize = n }
}

// NewRelay constructs a relay polling at the given interval.
func NewRelay(pool *pgxpool.Pool, publisher Publisher, interval time.Duration, logger *slog.Logger, opts ...RelayOption) *Relay {
	r := &Relay{
		pool:      pool,
		publisher: publisher,
		interval:  interval,
		batchSize: 100,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run polls until the context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.drain(ctx); err != nil {
				r.logger.Error("outbox drain failed", "error", err)
			}
		}
	}
}

// drain claims one batch of pending events, publishes them, and marks the
// published ones. A publish failure leaves the row pending for the next
// pass.
func (r *Relay) drain(ctx context.Context) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin outbox tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, created_at
		FROM outbox
		WHERE published_at IS NULL
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, r.batchSize)
	if err != nil {
		return fmt.Errorf("claim outbox rows: %w", err)
	}

	var events []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			rows.Close()
			return fmt.Errorf("scan outbox row: %w", err)
		}
		events = append(events, &e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate outbox rows: %w", err)
	}
	if len(events) == 0 {
		return tx.Commit(ctx)
	}

	var published []uuid.UUID
	for _, e := range events {
		if err := r.publisher.Publish(ctx, e.AggregateID, e.Payload); err != nil {
			relayFailures.Inc()
			r.logger.Error("outbox publish failed",
				"event_id", e.ID, "event_type", e.EventType, "error", err)
			break
		}
		relayPublished.Inc()
		published = append(published, e.ID)
	}
	if len(published) > 0 {
		if _, err := tx.Exec(ctx,
			`UPDATE outbox SET published_at = NOW() WHERE id = ANY($1)`, published); err != nil {
			return fmt.Errorf("mark outbox published: %w", err)
		}
	}
	return tx.Commit(ctx)
}
