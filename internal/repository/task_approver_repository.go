package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-task-approvals/internal/platform/database"
	"github.com/pesio-ai/be-task-approvals/internal/platform/errors"
)

// TaskApproverRepository handles the rows of a task's approval round.
type TaskApproverRepository struct {
	db database.Querier
}

// NewTaskApproverRepository creates a new TaskApproverRepository.
func NewTaskApproverRepository(db database.Querier) *TaskApproverRepository {
	return &TaskApproverRepository{db: db}
}

// CreateMany inserts a round. Callers run it inside the transaction that
// deleted the previous round.
func (r *TaskApproverRepository) CreateMany(ctx context.Context, approvers []*TaskApprover) error {
	query := `
		INSERT INTO task_approvers (task_id, level_order, approver_user_id, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`
	for _, a := range approvers {
		if a.Status == "" {
			a.Status = ApproverStatusPending
		}
		err := r.db.QueryRow(ctx, query, a.TaskID, a.LevelOrder, a.ApproverUserID, a.Status).
			Scan(&a.ID, &a.CreatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create task approver")
		}
	}
	return nil
}

// ListByTask returns the round ordered by level_order.
func (r *TaskApproverRepository) ListByTask(ctx context.Context, taskID string) ([]*TaskApprover, error) {
	query := `
		SELECT id, task_id, level_order, approver_user_id, status, action_at, created_at
		FROM task_approvers
		WHERE task_id = $1
		ORDER BY level_order ASC
	`
	rows, err := r.db.Query(ctx, query, taskID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list task approvers")
	}
	defer rows.Close()
	return r.scanRows(rows)
}

// ListByApprover returns every row naming userID, newest first.
func (r *TaskApproverRepository) ListByApprover(ctx context.Context, userID string, pendingOnly bool) ([]*TaskApprover, error) {
	query := `
		SELECT id, task_id, level_order, approver_user_id, status, action_at, created_at
		FROM task_approvers
		WHERE approver_user_id = $1
	`
	if pendingOnly {
		query += " AND status = 'pending'"
	}
	query += " ORDER BY created_at DESC, level_order ASC"

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approvals for user")
	}
	defer rows.Close()
	return r.scanRows(rows)
}

// UpdateAction records an approve or reject on one level.
func (r *TaskApproverRepository) UpdateAction(ctx context.Context, id, status string, actionAt time.Time) error {
	query := `
		UPDATE task_approvers
		SET status    = $2,
		    action_at = $3
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, id, status, actionAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update task approver")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("task_approver", id)
	}
	return nil
}

// DeleteByTask clears a task's round and reports how many rows went.
func (r *TaskApproverRepository) DeleteByTask(ctx context.Context, taskID string) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM task_approvers WHERE task_id = $1`, taskID)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to delete task approvers")
	}
	return tag.RowsAffected(), nil
}

func (r *TaskApproverRepository) scanRows(rows pgx.Rows) ([]*TaskApprover, error) {
	var out []*TaskApprover
	for rows.Next() {
		a := &TaskApprover{}
		err := rows.Scan(
			&a.ID,
			&a.TaskID,
			&a.LevelOrder,
			&a.ApproverUserID,
			&a.Status,
			&a.ActionAt,
			&a.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan task approver")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
