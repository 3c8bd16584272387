package tx

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// Runner executes a function inside a transactional boundary. The SQL
// implementation opens a database transaction and makes it available to
// tx-aware stores through the context; the memory implementation takes a
// coarse lock so unit tests see the same all-or-nothing discipline.
type Runner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// SQLRunner runs the function inside a *sql.Tx carried in context.
type SQLRunner struct {
	db *sql.DB
}

// NewSQLRunner constructs a Runner over the given database handle.
func NewSQLRunner(db *sql.DB) *SQLRunner {
	return &SQLRunner{db: db}
}

// RunInTx begins a transaction, runs fn with the transaction in context,
// and commits. Any error from fn rolls the whole transaction back; partial
// application is never visible.
func (r *SQLRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(WithTx(ctx, sqlTx)); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// MemoryRunner serializes transactional sections with a mutex. Memory
// stores are not rolled back on error; tests relying on atomicity should
// assert through the service, which validates before mutating.
type MemoryRunner struct {
	mu sync.Mutex
}

// NewMemoryRunner constructs an in-memory Runner.
func NewMemoryRunner() *MemoryRunner {
	return &MemoryRunner{}
}

// RunInTx runs fn under the runner's lock.
func (r *MemoryRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(ctx)
}
