// Package postgres persists audit events in the audit_events table.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"civid/internal/audit"
	id "civid/pkg/domain"
	txcontext "civid/pkg/platform/tx"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// Append writes an audit event, joining the caller's transaction so the
// trail entry commits together with the action it records.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	query := `
		INSERT INTO audit_events (timestamp, actor_id, action, subject_id, decision, reason, request_id, ip, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		event.Timestamp, uuid.UUID(event.ActorID), string(event.Action),
		event.SubjectID, event.Decision, event.Reason,
		event.RequestID, event.IP, event.UserAgent,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// List returns matching events, newest first.
func (s *Store) List(ctx context.Context, filter audit.ListFilter) ([]audit.Event, error) {
	query := `
		SELECT id, timestamp, actor_id, action, subject_id, decision, reason, request_id, ip, user_agent
		FROM audit_events WHERE 1=1`
	var args []any

	if !filter.ActorID.IsNil() {
		args = append(args, uuid.UUID(filter.ActorID))
		query += ` AND actor_id = $` + strconv.Itoa(len(args))
	}
	if filter.Action != "" {
		args = append(args, string(filter.Action))
		query += ` AND action = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY timestamp DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var (
			e       audit.Event
			actorID uuid.UUID
			action  string
		)
		err := rows.Scan(&e.ID, &e.Timestamp, &actorID, &action,
			&e.SubjectID, &e.Decision, &e.Reason, &e.RequestID, &e.IP, &e.UserAgent)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.ActorID = id.UserID(actorID)
		e.Action = audit.Action(action)
		events = append(events, e)
	}
	return events, rows.Err()
}
