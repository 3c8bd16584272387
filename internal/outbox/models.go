// Package outbox implements the transactional outbox: domain changes and
// the events announcing them commit in one transaction, and a relay
// publishes the events to Kafka afterwards. Downstream consumers get
// at-least-once delivery without dual-write races.
package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is one pending or published outbox row.
type Event struct {
	ID            uuid.UUID       `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
	PublishedAt   *time.Time      `json:"published_at,omitempty"`
}

// NewEvent builds an unpublished event with a fresh ID.
func NewEvent(aggregateType, aggregateID, eventType string, payload any) (*Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       body,
		CreatedAt:     time.Now(),
	}, nil
}
