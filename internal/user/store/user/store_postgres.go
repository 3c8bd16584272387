package user

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"civid/internal/user/models"
	id "civid/pkg/domain"
	"civid/pkg/platform/sentinel"
	txcontext "civid/pkg/platform/tx"
)

// PostgresStore persists users in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed user store.
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

const userColumns = `
	id, username, email, password_hash, full_name, roles, institution_id,
	status, institutional_ids, last_login, created_at, updated_at
`

func (s *PostgresStore) Create(ctx context.Context, u *models.User) error {
	summaries, err := json.Marshal(u.InstitutionalIDs)
	if err != nil {
		return fmt.Errorf("marshal id summaries: %w", err)
	}
	query := `
		INSERT INTO users (` + userColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(u.ID), u.Username, u.Email, u.PasswordHash, u.FullName,
		pq.Array(u.Roles), nullableInstitution(u.Institution),
		string(u.Status), summaries, u.LastLogin, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, userID id.UserID) (*models.User, error) {
	row := s.execer(ctx).QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, uuid.UUID(userID))
	return scanUser(row)
}

func (s *PostgresStore) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	row := s.execer(ctx).QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username)
	return scanUser(row)
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE 1=1`
	var args []any

	if !filter.InstitutionID.IsNil() {
		args = append(args, uuid.UUID(filter.InstitutionID))
		query += ` AND institution_id = $` + strconv.Itoa(len(args))
	}
	if filter.Role != "" {
		args = append(args, filter.Role)
		query += ` AND $` + strconv.Itoa(len(args)) + ` = ANY(roles)`
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
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Update(ctx context.Context, u *models.User) error {
	summaries, err := json.Marshal(u.InstitutionalIDs)
	if err != nil {
		return fmt.Errorf("marshal id summaries: %w", err)
	}
	query := `
		UPDATE users SET
			email = $2, password_hash = $3, full_name = $4, roles = $5,
			institution_id = $6, status = $7, institutional_ids = $8,
			last_login = $9, updated_at = $10
		WHERE id = $1
	`
	res, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(u.ID), u.Email, u.PasswordHash, u.FullName, pq.Array(u.Roles),
		nullableInstitution(u.Institution), string(u.Status), summaries,
		u.LastLogin, u.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("update user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SuspendInstitutionalAdmins(ctx context.Context, instID id.InstitutionID) (int, error) {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE users SET status = 'suspended', updated_at = NOW()
		WHERE institution_id = $1 AND 'institutional_admin' = ANY(roles) AND status = 'active'`,
		uuid.UUID(instID))
	if err != nil {
		return 0, fmt.Errorf("suspend institution admins: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("suspend institution admins: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var (
		u         models.User
		userID    uuid.UUID
		roles     pq.StringArray
		instID    sql.Null[uuid.UUID]
		status    string
		summaries []byte
		lastLogin sql.NullTime
	)
	err := row.Scan(
		&userID, &u.Username, &u.Email, &u.PasswordHash, &u.FullName,
		&roles, &instID, &status, &summaries, &lastLogin, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.ID = id.UserID(userID)
	u.Roles = []string(roles)
	u.Status = models.Status(status)
	if instID.Valid {
		u.Institution = id.InstitutionID(instID.V)
	}
	if len(summaries) > 0 {
		if err := json.Unmarshal(summaries, &u.InstitutionalIDs); err != nil {
			return nil, fmt.Errorf("unmarshal id summaries: %w", err)
		}
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLogin = &t
	}
	return &u, nil
}

func nullableInstitution(instID id.InstitutionID) any {
	if instID.IsNil() {
		return nil
	}
	return uuid.UUID(instID)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// PostgresRequestStore persists profile update requests.
type PostgresRequestStore struct {
	db *sql.DB
}

// NewPostgresRequests constructs a PostgreSQL-backed request store.
func NewPostgresRequests(db *sql.DB) *PostgresRequestStore {
	return &PostgresRequestStore{db: db}
}

func (s *PostgresRequestStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

const requestColumns = `
	id, user_id, fields, status, reviewed_by, review_note, created_at, reviewed_at
`

// Create inserts a request. The partial unique index on pending rows
// turns a second pending request into sentinel.ErrConflict.
func (s *PostgresRequestStore) Create(ctx context.Context, req *models.UpdateRequest) error {
	fields, err := json.Marshal(req.Fields)
	if err != nil {
		return fmt.Errorf("marshal request fields: %w", err)
	}
	query := `
		INSERT INTO update_requests (` + requestColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(req.ID), uuid.UUID(req.UserID), fields, string(req.Status),
		nullableUser(req.ReviewedBy), req.ReviewNote, req.CreatedAt, req.ReviewedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert update request: %w", err)
	}
	return nil
}

func (s *PostgresRequestStore) FindByID(ctx context.Context, reqID id.UpdateRequestID) (*models.UpdateRequest, error) {
	row := s.execer(ctx).QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM update_requests WHERE id = $1`, uuid.UUID(reqID))
	return scanRequest(row)
}

func (s *PostgresRequestStore) FindPendingByUser(ctx context.Context, userID id.UserID) (*models.UpdateRequest, error) {
	row := s.execer(ctx).QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM update_requests WHERE user_id = $1 AND status = 'pending'`,
		uuid.UUID(userID))
	return scanRequest(row)
}

func (s *PostgresRequestStore) List(ctx context.Context, status models.RequestStatus) ([]*models.UpdateRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM update_requests`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list update requests: %w", err)
	}
	defer rows.Close()

	var out []*models.UpdateRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *PostgresRequestStore) ListByUser(ctx context.Context, userID id.UserID) ([]*models.UpdateRequest, error) {
	rows, err := s.execer(ctx).QueryContext(ctx,
		`SELECT `+requestColumns+` FROM update_requests WHERE user_id = $1 ORDER BY created_at DESC`,
		uuid.UUID(userID))
	if err != nil {
		return nil, fmt.Errorf("list update requests by user: %w", err)
	}
	defer rows.Close()

	var out []*models.UpdateRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *PostgresRequestStore) Update(ctx context.Context, req *models.UpdateRequest) error {
	fields, err := json.Marshal(req.Fields)
	if err != nil {
		return fmt.Errorf("marshal request fields: %w", err)
	}
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE update_requests SET fields = $2, status = $3, reviewed_by = $4, review_note = $5, reviewed_at = $6
		WHERE id = $1`,
		uuid.UUID(req.ID), fields, string(req.Status),
		nullableUser(req.ReviewedBy), req.ReviewNote, req.ReviewedAt,
	)
	if err != nil {
		return fmt.Errorf("update update request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update update request: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func scanRequest(row rowScanner) (*models.UpdateRequest, error) {
	var (
		req        models.UpdateRequest
		reqID      uuid.UUID
		userID     uuid.UUID
		fields     []byte
		status     string
		reviewedBy sql.Null[uuid.UUID]
		reviewedAt sql.NullTime
	)
	err := row.Scan(&reqID, &userID, &fields, &status, &reviewedBy, &req.ReviewNote, &req.CreatedAt, &reviewedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan update request: %w", err)
	}
	req.ID = id.UpdateRequestID(reqID)
	req.UserID = id.UserID(userID)
	req.Status = models.RequestStatus(status)
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &req.Fields); err != nil {
			return nil, fmt.Errorf("unmarshal request fields: %w", err)
		}
	}
	if reviewedBy.Valid {
		rb := id.UserID(reviewedBy.V)
		req.ReviewedBy = &rb
	}
	if reviewedAt.Valid {
		t := reviewedAt.Time
		req.ReviewedAt = &t
	}
	return &req, nil
}

func nullableUser(u *id.UserID) any {
	if u == nil {
		return nil
	}
	return uuid.UUID(*u)
}
