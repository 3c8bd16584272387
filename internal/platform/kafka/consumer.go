package kafka

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Message is one consumed record, decoupled from the client library so
// handlers stay testable.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
}

// Handler processes one message. Returning an error stops the consumer;
// poison messages should be logged and swallowed by the handler itself.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// Consumer reads a topic within a consumer group and dispatches each
// record to the handler. Offsets are committed after the handler returns,
// giving at-least-once delivery.
type Consumer struct {
	client  *kgo.Client
	handler Handler
	logger  *slog.Logger
}

// NewConsumer joins the consumer group on the given topic.
func NewConsumer(brokers []string, topic, group string, handler Handler, logger *slog.Logger) (*Consumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumerGroup(group),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	return &Consumer{client: client, handler: handler, logger: logger}, nil
}

// Run polls until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("kafka fetch error", "topic", topic, "partition", partition, "error", err)
		})

		var handleErr error
		fetches.EachRecord(func(record *kgo.Record) {
			if handleErr != nil {
				return
			}
			msg := &Message{
				Topic:     record.Topic,
				Partition: record.Partition,
				Offset:    record.Offset,
				Key:       record.Key,
				Value:     record.Value,
			}
			handleErr = c.handler.Handle(ctx, msg)
		})
		if handleErr != nil {
			return handleErr
		}
		if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
			c.logger.Error("kafka commit failed", "error", err)
		}
	}
}

// Close leaves the group and releases the client.
func (c *Consumer) Close() {
	c.client.Close()
}
