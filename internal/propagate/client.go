// Package propagate pushes institutional ID changes into the owner's
// user profile. Changes flow through the transactional outbox to Kafka;
// the consumer here applies each event, either against a sibling user
// service over HTTP or against the local user module.
package propagate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	neturl "net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	usermodels "civid/internal/user/models"
	id "civid/pkg/domain"
	dErrors "civid/pkg/domain-errors"
)

const (
	requestTimeout = 5 * time.Second
	maxAttempts    = 3
)

// TokenSource supplies the service-to-service bearer token.
type TokenSource func() (string, error)

// Client delivers ID summaries to a sibling user service with
// PATCH /users/{id}/institutional-ids.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	logger  *slog.Logger
}

// NewClient constructs a propagation client for the given base URL.
func NewClient(baseURL string, tokens TokenSource, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: requestTimeout},
		tokens:  tokens,
		logger:  logger,
	}
}

// Apply PATCHes one summary onto the owner's profile, retrying transient
// failures. A 4xx response is permanent and not retried.
func (c *Client) Apply(ctx context.Context, owner id.UserID, summary usermodels.IDSummary) error {
	ctx, span := otel.Tracer("civid/propagate").Start(ctx, "propagate.Apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("owner_id", owner.String()),
		attribute.String("id_type", summary.IDType),
	)

	body, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	url := fmt.Sprintf("%s/users/%s/institutional-ids", c.baseURL, owner.String())

	return c.retry(ctx, owner, func(ctx context.Context) error {
		return c.send(ctx, http.MethodPatch, url, body)
	})
}

// Remove deletes one summary from the owner's profile with
// DELETE /users/{id}/institutional-ids. Same retry policy as Apply.
func (c *Client) Remove(ctx context.Context, owner id.UserID, institutionID, idType string) error {
	ctx, span := otel.Tracer("civid/propagate").Start(ctx, "propagate.Remove")
	defer span.End()
	span.SetAttributes(
		attribute.String("owner_id", owner.String()),
		attribute.String("id_type", idType),
	)

	q := neturl.Values{"institution_id": {institutionID}, "id_type": {idType}}
	url := fmt.Sprintf("%s/users/%s/institutional-ids?%s", c.baseURL, owner.String(), q.Encode())

	return c.retry(ctx, owner, func(ctx context.Context) error {
		return c.send(ctx, http.MethodDelete, url, nil)
	})
}

func (c *Client) retry(ctx context.Context, owner id.UserID, call func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = call(ctx)
		if lastErr == nil {
			return nil
		}
		if dErrors.HasCode(lastErr, dErrors.CodeBadRequest) || dErrors.HasCode(lastErr, dErrors.CodeNotFound) {
			return lastErr
		}
		c.logger.Warn("propagation attempt failed",
			"owner_id", owner, "attempt", attempt, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return lastErr
}

func (c *Client) send(ctx context.Context, method, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	token, err := c.tokens()
	if err != nil {
		return fmt.Errorf("service token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "user service unreachable")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return dErrors.New(dErrors.CodeNotFound, "owner not found downstream")
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return dErrors.Newf(dErrors.CodeBadRequest, "user service rejected update: %d", resp.StatusCode)
	default:
		return dErrors.Newf(dErrors.CodeUnavailable, "user service error: %d", resp.StatusCode)
	}
}
