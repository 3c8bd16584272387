package credential

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"civid/internal/identity/models"
	id "civid/pkg/domain"
	"civid/pkg/platform/sentinel"
	txcontext "civid/pkg/platform/tx"
)

// PostgresStore persists credentials in PostgreSQL. It joins an ambient
// transaction from context when one is present, so status, history, and
// outbox writes commit or roll back together.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed credential store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

const credentialColumns = `
	id, owner_id, institution_id, id_type, id_number, status,
	valid_from, valid_until, metadata, created_by,
	revoked_by, revoked_at, revocation_reason, created_at, updated_at
`

// Create inserts a credential row. The partial unique indexes on active
// rows turn concurrent duplicate issues into sentinel.ErrConflict.
func (s *PostgresStore) Create(ctx context.Context, cred *models.Credential) error {
	metadata, err := json.Marshal(cred.Metadata)
	if err != nil {
		return fmt.Errorf("marshal credential metadata: %w", err)
	}

	query := `
		INSERT INTO institutional_ids (` + credentialColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err = s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(cred.ID), uuid.UUID(cred.OwnerID), uuid.UUID(cred.InstitutionID),
		cred.IDType, cred.IDNumber, string(cred.Status),
		cred.ValidFrom, cred.ValidUntil, metadata, uuid.UUID(cred.CreatedBy),
		nullableUUID(cred.RevokedBy), cred.RevokedAt, nullableString(cred.RevocationReason),
		cred.CreatedAt, cred.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

// FindByID returns the credential or sentinel.ErrNotFound.
func (s *PostgresStore) FindByID(ctx context.Context, credID id.CredentialID) (*models.Credential, error) {
	row := s.execer(ctx).QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM institutional_ids WHERE id = $1`, uuid.UUID(credID))
	return scanCredential(row)
}

// FindByNumber looks a credential up by its number within an institution.
func (s *PostgresStore) FindByNumber(ctx context.Context, instID id.InstitutionID, idNumber string) (*models.Credential, error) {
	row := s.execer(ctx).QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM institutional_ids
		 WHERE institution_id = $1 AND id_number = $2
		 ORDER BY created_at DESC LIMIT 1`,
		uuid.UUID(instID), idNumber)
	return scanCredential(row)
}

// FindActive returns the active credential for (owner, institution, type).
func (s *PostgresStore) FindActive(ctx context.Context, owner id.UserID, instID id.InstitutionID, idType string) (*models.Credential, error) {
	row := s.execer(ctx).QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM institutional_ids
		 WHERE owner_id = $1 AND institution_id = $2 AND id_type = $3 AND status = 'active'`,
		uuid.UUID(owner), uuid.UUID(instID), idType)
	return scanCredential(row)
}

// List returns credentials matching the filter, newest first.
func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM institutional_ids WHERE 1=1`
	var args []any

	if !filter.OwnerID.IsNil() {
		args = append(args, uuid.UUID(filter.OwnerID))
		query += ` AND owner_id = $` + strconv.Itoa(len(args))
	}
	if !filter.InstitutionID.IsNil() {
		args = append(args, uuid.UUID(filter.InstitutionID))
		query += ` AND institution_id = $` + strconv.Itoa(len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY created_at DESC`
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
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []*models.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cred)
	}
	return out, rows.Err()
}

// Update rewrites the mutable columns of a credential row.
func (s *PostgresStore) Update(ctx context.Context, cred *models.Credential) error {
	metadata, err := json.Marshal(cred.Metadata)
	if err != nil {
		return fmt.Errorf("marshal credential metadata: %w", err)
	}

	query := `
		UPDATE institutional_ids SET
			status = $2, valid_from = $3, valid_until = $4, metadata = $5,
			revoked_by = $6, revoked_at = $7, revocation_reason = $8, updated_at = $9
		WHERE id = $1
	`
	res, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(cred.ID), string(cred.Status), cred.ValidFrom, cred.ValidUntil, metadata,
		nullableUUID(cred.RevokedBy), cred.RevokedAt, nullableString(cred.RevocationReason),
		cred.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("update credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*models.Credential, error) {
	var (
		cred          models.Credential
		credID        uuid.UUID
		ownerID       uuid.UUID
		institutionID uuid.UUID
		createdBy     uuid.UUID
		status        string
		metadata      []byte
		revokedBy     sql.Null[uuid.UUID]
		revokedAt     sql.NullTime
		reason        sql.NullString
	)
	err := row.Scan(
		&credID, &ownerID, &institutionID, &cred.IDType, &cred.IDNumber, &status,
		&cred.ValidFrom, &cred.ValidUntil, &metadata, &createdBy,
		&revokedBy, &revokedAt, &reason, &cred.CreatedAt, &cred.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan credential: %w", err)
	}

	cred.ID = id.CredentialID(credID)
	cred.OwnerID = id.UserID(ownerID)
	cred.InstitutionID = id.InstitutionID(institutionID)
	cred.CreatedBy = id.UserID(createdBy)
	cred.Status = models.Status(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &cred.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal credential metadata: %w", err)
		}
	}
	if revokedBy.Valid {
		rb := id.UserID(revokedBy.V)
		cred.RevokedBy = &rb
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		cred.RevokedAt = &t
	}
	if reason.Valid {
		cred.RevocationReason = reason.String
	}
	return &cred, nil
}

func nullableUUID(u *id.UserID) any {
	if u == nil {
		return nil
	}
	return uuid.UUID(*u)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// PostgresHistoryStore persists the append-only transition log.
type PostgresHistoryStore struct {
	db *sql.DB
}

// NewPostgresHistory constructs a PostgreSQL-backed history store.
func NewPostgresHistory(db *sql.DB) *PostgresHistoryStore {
	return &PostgresHistoryStore{db: db}
}

func (s *PostgresHistoryStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// Append inserts a transition entry, joining the caller's transaction so a
// status change and its history row commit together.
func (s *PostgresHistoryStore) Append(ctx context.Context, entry *models.HistoryEntry) error {
	if entry.ChangedAt.IsZero() {
		entry.ChangedAt = time.Now()
	}
	query := `
		INSERT INTO id_history (credential_id, old_status, new_status, changed_by, reason, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	err := s.execer(ctx).QueryRowContext(ctx, query,
		uuid.UUID(entry.CredentialID), string(entry.OldStatus), string(entry.NewStatus),
		uuid.UUID(entry.ChangedBy), entry.Reason, entry.ChangedAt,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

// ListByCredential returns entries for a credential, newest first.
func (s *PostgresHistoryStore) ListByCredential(ctx context.Context, credID id.CredentialID) ([]*models.HistoryEntry, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT id, credential_id, old_status, new_status, changed_by, reason, changed_at
		FROM id_history WHERE credential_id = $1 ORDER BY changed_at DESC, id DESC`,
		uuid.UUID(credID))
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []*models.HistoryEntry
	for rows.Next() {
		var (
			e         models.HistoryEntry
			cid       uuid.UUID
			changedBy uuid.UUID
			oldStatus string
			newStatus string
		)
		if err := rows.Scan(&e.ID, &cid, &oldStatus, &newStatus, &changedBy, &e.Reason, &e.ChangedAt); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		e.CredentialID = id.CredentialID(cid)
		e.OldStatus = models.Status(oldStatus)
		e.NewStatus = models.Status(newStatus)
		e.ChangedBy = id.UserID(changedBy)
		out = append(out, &e)
	}
	return out, rows.Err()
}
