package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-task-approvals/internal/platform/database"
	"github.com/pesio-ai/be-task-approvals/internal/platform/errors"
)

const taskColumns = `
	id, title, description, creator_id, assignee_id, department_id,
	amount, approval_type, approval_template_id, status,
	start_date, due_date, created_at, updated_at`

// TaskRepository handles task rows.
type TaskRepository struct {
	db database.Querier
}

// NewTaskRepository creates a new TaskRepository.
func NewTaskRepository(db database.Querier) *TaskRepository {
	return &TaskRepository{db: db}
}

// Create inserts a task.
func (r *TaskRepository) Create(ctx context.Context, task *Task) error {
	query := `
		INSERT INTO tasks
		    (title, description, creator_id, assignee_id, department_id,
		     amount, approval_type, approval_template_id, status,
		     start_date, due_date)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9,
		        $10, $11)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		task.Title,
		task.Description,
		task.CreatorID,
		task.AssigneeID,
		task.DepartmentID,
		task.Amount,
		task.ApprovalType,
		task.ApprovalTemplateID,
		task.Status,
		task.StartDate,
		task.DueDate,
	).Scan(&task.ID, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create task")
	}
	return nil
}

// GetByID retrieves a task by primary key.
func (r *TaskRepository) GetByID(ctx context.Context, id string) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	return r.get(ctx, query, id)
}

// GetForUpdate retrieves a task and takes a row lock on it.
func (r *TaskRepository) GetForUpdate(ctx context.Context, id string) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1 FOR UPDATE`
	return r.get(ctx, query, id)
}

func (r *TaskRepository) get(ctx context.Context, query, id string) (*Task, error) {
	task, err := r.scanTask(r.db.QueryRow(ctx, query, id))
	if isNoRows(err) {
		return nil, errors.NotFound("task", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get task")
	}
	return task, nil
}

// List returns tasks newest first.
func (r *TaskRepository) List(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	var (
		conds []string
		args  []any
	)
	add := func(column string, value *string) {
		if value == nil {
			return
		}
		args = append(args, *value)
		conds = append(conds, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("status", filter.Status)
	add("assignee_id", filter.AssigneeID)
	add("creator_id", filter.CreatorID)

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list tasks")
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := r.scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan task")
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// Update persists every mutable column of a task.
func (r *TaskRepository) Update(ctx context.Context, task *Task) error {
	query := `
		UPDATE tasks
		SET title                = $2,
		    description          = $3,
		    assignee_id          = $4,
		    department_id        = $5,
		    amount               = $6,
		    approval_template_id = $7,
		    status               = $8,
		    start_date           = $9,
		    due_date             = $10,
		    updated_at           = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.db.QueryRow(ctx, query,
		task.ID,
		task.Title,
		task.Description,
		task.AssigneeID,
		task.DepartmentID,
		task.Amount,
		task.ApprovalTemplateID,
		task.Status,
		task.StartDate,
		task.DueDate,
	).Scan(&task.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.NotFound("task", task.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update task")
	}
	return nil
}

// CountByTemplate counts tasks referencing a template.
func (r *TaskRepository) CountByTemplate(ctx context.Context, templateID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE approval_template_id = $1`, templateID).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count template usage")
	}
	return n, nil
}

// CountInFlightByTemplate counts referencing tasks that can still build an
// approval round from the template.
func (r *TaskRepository) CountInFlightByTemplate(ctx context.Context, templateID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE approval_template_id = $1 AND status NOT IN ($2, $3)`,
		templateID, TaskStatusApproved, TaskStatusCompleted,
	).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count in-flight template usage")
	}
	return n, nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type taskScanner interface {
	Scan(dest ...any) error
}

func (r *TaskRepository) scanTask(row taskScanner) (*Task, error) {
	t := &Task{}
	err := row.Scan(
		&t.ID,
		&t.Title,
		&t.Description,
		&t.CreatorID,
		&t.AssigneeID,
		&t.DepartmentID,
		&t.Amount,
		&t.ApprovalType,
		&t.ApprovalTemplateID,
		&t.Status,
		&t.StartDate,
		&t.DueDate,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}
