package institution

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"civid/internal/institution/models"
	id "civid/pkg/domain"
	"civid/pkg/platform/sentinel"
	txcontext "civid/pkg/platform/tx"
)

// PostgresStore persists institutions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed institution store.
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

func (s *PostgresStore) Create(ctx context.Context, inst *models.Institution) error {
	query := `
		INSERT INTO institutions (id, name, kind, contact_email, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(inst.ID), inst.Name, inst.Kind, inst.ContactEmail,
		string(inst.Status), inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert institution: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, instID id.InstitutionID) (*models.Institution, error) {
	row := s.execer(ctx).QueryRowContext(ctx, `
		SELECT id, name, kind, contact_email, status, created_at, updated_at
		FROM institutions WHERE id = $1`, uuid.UUID(instID))
	return scanInstitution(row)
}

func (s *PostgresStore) List(ctx context.Context) ([]*models.Institution, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT id, name, kind, contact_email, status, created_at, updated_at
		FROM institutions ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list institutions: %w", err)
	}
	defer rows.Close()

	var out []*models.Institution
	for rows.Next() {
		inst, err := scanInstitution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Update(ctx context.Context, inst *models.Institution) error {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE institutions SET name = $2, kind = $3, contact_email = $4, status = $5, updated_at = $6
		WHERE id = $1`,
		uuid.UUID(inst.ID), inst.Name, inst.Kind, inst.ContactEmail, string(inst.Status), inst.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update institution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update institution: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstitution(row rowScanner) (*models.Institution, error) {
	var (
		inst   models.Institution
		instID uuid.UUID
		status string
	)
	err := row.Scan(&instID, &inst.Name, &inst.Kind, &inst.ContactEmail, &status, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan institution: %w", err)
	}
	inst.ID = id.InstitutionID(instID)
	inst.Status = models.Status(status)
	return &inst, nil
}
