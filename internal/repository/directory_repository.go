package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-task-approvals/internal/platform/database"
	"github.com/pesio-ai/be-task-approvals/internal/platform/errors"
)

// DirectoryRepository reads users and departments. The engine never writes
// to either table.
type DirectoryRepository struct {
	db database.Querier
}

// NewDirectoryRepository creates a new DirectoryRepository.
func NewDirectoryRepository(db database.Querier) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

// GetUser retrieves a user by id.
func (r *DirectoryRepository) GetUser(ctx context.Context, id string) (*User, error) {
	query := `
		SELECT id, name, email, role, department_id, active, created_at
		FROM users
		WHERE id = $1
	`
	u, err := scanUser(r.db.QueryRow(ctx, query, id))
	if isNoRows(err) {
		return nil, errors.NotFound("user", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get user")
	}
	return u, nil
}

// FirstActiveUserWithRole returns the earliest-created active holder of role.
func (r *DirectoryRepository) FirstActiveUserWithRole(ctx context.Context, role string, departmentID *string) (*User, error) {
	query := `
		SELECT id, name, email, role, department_id, active, created_at
		FROM users
		WHERE role = $1
		  AND active = TRUE
		  AND ($2::uuid IS NULL OR department_id = $2::uuid)
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`
	u, err := scanUser(r.db.QueryRow(ctx, query, role, departmentID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to look up role holder")
	}
	return u, nil
}

// GetDepartment retrieves a department by id.
func (r *DirectoryRepository) GetDepartment(ctx context.Context, id string) (*Department, error) {
	d := &Department{}
	err := r.db.QueryRow(ctx, `SELECT id, name, created_at FROM departments WHERE id = $1`, id).
		Scan(&d.ID, &d.Name, &d.CreatedAt)
	if isNoRows(err) {
		return nil, errors.NotFound("department", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get department")
	}
	return d, nil
}

func scanUser(row pgx.Row) (*User, error) {
	u := &User{}
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.DepartmentID, &u.Active, &u.CreatedAt); err != nil {
		return nil, err
	}
	return u, nil
}
