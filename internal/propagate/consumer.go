package propagate

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"civid/internal/platform/kafka"
	usermodels "civid/internal/user/models"
	id "civid/pkg/domain"
)

// Applier maintains the denormalized summaries on the owner's profile.
// Satisfied by Client (remote sibling) and by the user service (local).
type Applier interface {
	Apply(ctx context.Context, owner id.UserID, summary usermodels.IDSummary) error
	Remove(ctx context.Context, owner id.UserID, institutionID, idType string) error
}

// eventTypeRevoked marks the tombstone event: the summary leaves the
// profile instead of being upserted.
const eventTypeRevoked = "id.revoked"

// changeEvent mirrors the outbox payload written by the identity service.
type changeEvent struct {
	EventType  string `json:"event_type"`
	OwnerID    string `json:"owner_id"`
	Credential struct {
		InstitutionID string    `json:"institution_id"`
		IDType        string    `json:"id_type"`
		IDNumber      string    `json:"id_number"`
		Status        string    `json:"status"`
		ValidUntil    time.Time `json:"valid_until"`
	} `json:"credential"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Consumer applies ID change events from the broker. Events are
// idempotent upserts keyed by (institution, id_type), so at-least-once
// delivery and replays are safe.
type Consumer struct {
	applier Applier
	logger  *slog.Logger
}

// NewConsumer constructs the event handler.
func NewConsumer(applier Applier, logger *slog.Logger) *Consumer {
	return &Consumer{applier: applier, logger: logger}
}

// Handle satisfies kafka.Handler. Malformed messages are logged and
// skipped; apply failures propagate so the offset is not committed.
func (c *Consumer) Handle(ctx context.Context, msg *kafka.Message) error {
	var event changeEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		c.logger.Error("malformed id change event, skipping",
			"topic", msg.Topic, "offset", msg.Offset, "error", err)
		return nil
	}

	owner, err := id.ParseUserID(event.OwnerID)
	if err != nil {
		c.logger.Error("id change event with bad owner, skipping",
			"owner_id", event.OwnerID, "offset", msg.Offset, "error", err)
		return nil
	}

	if event.EventType == eventTypeRevoked {
		if err := c.applier.Remove(ctx, owner, event.Credential.InstitutionID, event.Credential.IDType); err != nil {
			return err
		}
	} else {
		summary := usermodels.IDSummary{
			InstitutionID: event.Credential.InstitutionID,
			IDType:        event.Credential.IDType,
			IDNumber:      event.Credential.IDNumber,
			Status:        event.Credential.Status,
			ValidUntil:    event.Credential.ValidUntil,
		}
		if err := c.applier.Apply(ctx, owner, summary); err != nil {
			return err
		}
	}

	c.logger.Debug("id change propagated",
		"owner_id", owner, "event_type", event.EventType, "id_type", event.Credential.IDType)
	return nil
}
