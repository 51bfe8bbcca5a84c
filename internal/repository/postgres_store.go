package repository

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-task-approvals/internal/platform/database"
)

// PostgresStore implements Store on top of a pgx pool.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Repositories returns pool-bound repositories.
func (s *PostgresStore) Repositories() *Repositories {
	return newRepositories(s.db)
}

// InTransaction runs fn with repositories bound to a single pgx transaction.
func (s *PostgresStore) InTransaction(ctx context.Context, fn func(repos *Repositories) error) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return fn(newRepositories(tx))
	})
}

func newRepositories(q database.Querier) *Repositories {
	return &Repositories{
		Tasks:     NewTaskRepository(q),
		Nodes:     NewTaskNodeRepository(q),
		Approvers: NewTaskApproverRepository(q),
		Templates: NewApprovalTemplateRepository(q),
		Directory: NewDirectoryRepository(q),
		Activity:  NewActivityLogRepository(q),
	}
}

// isNoRows reports whether err means the looked-up row cannot exist: either
// no row matched or the id was not a valid uuid.
func isNoRows(err error) bool {
	if err == pgx.ErrNoRows {
		return true
	}
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == "22P02"
}
