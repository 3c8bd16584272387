//go:build integration

package outbox_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/suite"

	"civid/internal/outbox"
	"civid/internal/platform/kafka"
	"civid/pkg/testutil/containers"
)

// capturePublisher records published events and can be told to fail
// specific keys.
type capturePublisher struct {
	mu       sync.Mutex
	keys     []string
	values   [][]byte
	failKeys map[string]bool
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{failKeys: make(map[string]bool)}
}

func (p *capturePublisher) Publish(_ context.Context, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failKeys[key] {
		return fmt.Errorf("broker unavailable")
	}
	p.keys = append(p.keys, key)
	p.values = append(p.values, value)
	return nil
}

func (p *capturePublisher) publishedKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

func (p *capturePublisher) setFail(key string, fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failKeys[key] = fail
}

type RelaySuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	pool     *pgxpool.Pool
	store    *outbox.PostgresStore
	logger   *slog.Logger
}

func TestRelaySuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RelaySuite))
}

func (s *RelaySuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = outbox.NewPostgres(s.postgres.DB)
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	pool, err := pgxpool.New(context.Background(), s.postgres.URL)
	s.Require().NoError(err)
	s.pool = pool
}

func (s *RelaySuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *RelaySuite) SetupTest() {
	err := s.postgres.TruncateTables(context.Background(), "outbox")
	s.Require().NoError(err)
}

func (s *RelaySuite) appendEvent(aggregateID string, createdAt time.Time) *outbox.Event {
	event, err := outbox.NewEvent("institutional_id", aggregateID, "id.issued",
		map[string]string{"aggregate_id": aggregateID})
	s.Require().NoError(err)
	event.CreatedAt = createdAt
	s.Require().NoError(s.store.Append(context.Background(), event))
	return event
}

func (s *RelaySuite) pendingCount() int {
	var n int
	err := s.postgres.DB.QueryRow(
		`SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`).Scan(&n)
	s.Require().NoError(err)
	return n
}

func (s *RelaySuite) TestPublishesPendingInOrder() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := time.Now().Add(-time.Minute)
	first := s.appendEvent("agg-1", base)
	second := s.appendEvent("agg-2", base.Add(time.Second))

	publisher := newCapturePublisher()
	relay := outbox.NewRelay(s.pool, publisher, 20*time.Millisecond, s.logger)
	go func() { _ = relay.Run(ctx) }()

	s.Require().Eventually(func() bool {
		return s.pendingCount() == 0
	}, 5*time.Second, 50*time.Millisecond, "all events should be marked published")

	keys := publisher.publishedKeys()
	s.Require().Len(keys, 2)
	s.Equal(first.AggregateID, keys[0])
	s.Equal(second.AggregateID, keys[1])
}

// TestPublishFailureLeavesRowPending verifies that a broker failure stops
// the batch mid-way: events before the failure are marked, the failed one
// stays pending and is retried on a later pass.
func (s *RelaySuite) TestPublishFailureLeavesRowPending() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := time.Now().Add(-time.Minute)
	s.appendEvent("agg-ok", base)
	s.appendEvent("agg-bad", base.Add(time.Second))

	publisher := newCapturePublisher()
	publisher.setFail("agg-bad", true)

	relay := outbox.NewRelay(s.pool, publisher, 20*time.Millisecond, s.logger)
	go func() { _ = relay.Run(ctx) }()

	s.Require().Eventually(func() bool {
		return s.pendingCount() == 1
	}, 5*time.Second, 50*time.Millisecond, "the healthy event should publish")
	s.Equal([]string{"agg-ok"}, publisher.publishedKeys())

	// Broker recovers; the pending row drains on a later pass.
	publisher.setFail("agg-bad", false)
	s.Require().Eventually(func() bool {
		return s.pendingCount() == 0
	}, 5*time.Second, 50*time.Millisecond, "the failed event should be retried")
	s.Equal([]string{"agg-ok", "agg-bad"}, publisher.publishedKeys())
}

func (s *RelaySuite) TestBatchSizeLimitsClaim() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		s.appendEvent(fmt.Sprintf("agg-%d", i), base.Add(time.Duration(i)*time.Second))
	}

	publisher := newCapturePublisher()
	relay := outbox.NewRelay(s.pool, publisher, 20*time.Millisecond, s.logger,
		outbox.WithBatchSize(2))
	go func() { _ = relay.Run(ctx) }()

	// Smaller batches just take more passes; everything still drains.
	s.Require().Eventually(func() bool {
		return s.pendingCount() == 0
	}, 5*time.Second, 50*time.Millisecond)
	s.Len(publisher.publishedKeys(), 5)
}

// chanHandler forwards consumed messages to a channel.
type chanHandler struct {
	messages chan *kafka.Message
}

func (h *chanHandler) Handle(_ context.Context, msg *kafka.Message) error {
	h.messages <- msg
	return nil
}

type KafkaPipelineSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	redpanda *containers.RedpandaContainer
	pool     *pgxpool.Pool
	store    *outbox.PostgresStore
	logger   *slog.Logger
}

func TestKafkaPipelineSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(KafkaPipelineSuite))
}

func (s *KafkaPipelineSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.redpanda = mgr.GetRedpanda(s.T())
	s.store = outbox.NewPostgres(s.postgres.DB)
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	pool, err := pgxpool.New(context.Background(), s.postgres.URL)
	s.Require().NoError(err)
	s.pool = pool
}

func (s *KafkaPipelineSuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *KafkaPipelineSuite) SetupTest() {
	err := s.postgres.TruncateTables(context.Background(), "outbox")
	s.Require().NoError(err)
}

// TestOutboxToConsumer exercises the full path: outbox row, relay, broker,
// consumer group, handler.
func (s *KafkaPipelineSuite) TestOutboxToConsumer() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topic := "identity.events.test." + uuid.NewString()
	brokers := []string{s.redpanda.Broker}

	producer, err := kafka.NewProducer(ctx, brokers, topic, s.logger)
	s.Require().NoError(err)
	defer producer.Close()

	handler := &chanHandler{messages: make(chan *kafka.Message, 1)}
	consumer, err := kafka.NewConsumer(brokers, topic, "civid-test-"+uuid.NewString(), handler, s.logger)
	s.Require().NoError(err)
	defer consumer.Close()
	go func() { _ = consumer.Run(ctx) }()

	event, err := outbox.NewEvent("institutional_id", "owner-42", "id.issued",
		map[string]string{"id_number": "STU-0042"})
	s.Require().NoError(err)
	s.Require().NoError(s.store.Append(ctx, event))

	relay := outbox.NewRelay(s.pool, producer, 20*time.Millisecond, s.logger)
	go func() { _ = relay.Run(ctx) }()

	select {
	case msg := <-handler.messages:
		s.Equal("owner-42", string(msg.Key))
		s.JSONEq(`{"id_number":"STU-0042"}`, string(msg.Value))
	case <-time.After(30 * time.Second):
		s.FailNow("timed out waiting for the event to reach the consumer")
	}
}
