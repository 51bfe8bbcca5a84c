package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-task-approvals/internal/platform/database"
	"github.com/pesio-ai/be-task-approvals/internal/platform/errors"
)

// ActivityLogRepository appends and reads task activity. The table carries an
// update/delete trigger so Append is the only mutation exposed.
type ActivityLogRepository struct {
	db database.Querier
}

// NewActivityLogRepository creates a new ActivityLogRepository.
func NewActivityLogRepository(db database.Querier) *ActivityLogRepository {
	return &ActivityLogRepository{db: db}
}

// Append inserts one entry.
func (r *ActivityLogRepository) Append(ctx context.Context, entry *ActivityLog) error {
	query := `
		INSERT INTO activity_logs
		    (task_id, user_id, action, description, old_value, new_value)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	err := r.db.QueryRow(ctx, query,
		entry.TaskID,
		entry.UserID,
		entry.Action,
		entry.Description,
		entry.OldValue,
		entry.NewValue,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append activity log")
	}
	return nil
}

// ListByTask returns a task's activity newest first.
func (r *ActivityLogRepository) ListByTask(ctx context.Context, taskID string) ([]*ActivityLog, error) {
	query := `
		SELECT id, task_id, user_id, action, description,
		       old_value, new_value, created_at
		FROM activity_logs
		WHERE task_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.db.Query(ctx, query, taskID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get activity log")
	}
	defer rows.Close()
	return r.scanRows(rows)
}

func (r *ActivityLogRepository) scanRows(rows pgx.Rows) ([]*ActivityLog, error) {
	var entries []*ActivityLog
	for rows.Next() {
		e := &ActivityLog{}
		err := rows.Scan(
			&e.ID,
			&e.TaskID,
			&e.UserID,
			&e.Action,
			&e.Description,
			&e.OldValue,
			&e.NewValue,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan activity log")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
