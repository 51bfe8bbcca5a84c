package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-task-approvals/internal/platform/database"
	"github.com/pesio-ai/be-task-approvals/internal/platform/errors"
)

// TaskNodeRepository appends and reads the forwarding ledger. Nodes are never
// updated or deleted.
type TaskNodeRepository struct {
	db database.Querier
}

// NewTaskNodeRepository creates a new TaskNodeRepository.
func NewTaskNodeRepository(db database.Querier) *TaskNodeRepository {
	return &TaskNodeRepository{db: db}
}

// Append inserts one node. forwarded_at comes from clock_timestamp() so that
// nodes written in the same transaction still order correctly.
func (r *TaskNodeRepository) Append(ctx context.Context, node *TaskNode) error {
	query := `
		INSERT INTO task_nodes (task_id, from_user_id, to_user_id)
		VALUES ($1, $2, $3)
		RETURNING id, forwarded_at
	`
	err := r.db.QueryRow(ctx, query, node.TaskID, node.FromUserID, node.ToUserID).
		Scan(&node.ID, &node.ForwardedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append task node")
	}
	return nil
}

// ListByTask returns a task's forwarding path oldest first.
func (r *TaskNodeRepository) ListByTask(ctx context.Context, taskID string) ([]*TaskNode, error) {
	query := `
		SELECT id, task_id, from_user_id, to_user_id, forwarded_at
		FROM task_nodes
		WHERE task_id = $1
		ORDER BY forwarded_at ASC, seq ASC
	`
	rows, err := r.db.Query(ctx, query, taskID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list task nodes")
	}
	defer rows.Close()
	return r.scanRows(rows)
}

// ListByFromUser returns the hand-offs a user made, newest first.
func (r *TaskNodeRepository) ListByFromUser(ctx context.Context, userID string) ([]*TaskNode, error) {
	query := `
		SELECT id, task_id, from_user_id, to_user_id, forwarded_at
		FROM task_nodes
		WHERE from_user_id = $1
		ORDER BY forwarded_at DESC, seq DESC
	`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list forwarded nodes")
	}
	defer rows.Close()
	return r.scanRows(rows)
}

func (r *TaskNodeRepository) scanRows(rows pgx.Rows) ([]*TaskNode, error) {
	var nodes []*TaskNode
	for rows.Next() {
		n := &TaskNode{}
		if err := rows.Scan(&n.ID, &n.TaskID, &n.FromUserID, &n.ToUserID, &n.ForwardedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan task node")
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}
