package repository

import (
	"context"
	"time"
)

// TaskStore persists tasks.
type TaskStore interface {
	Create(ctx context.Context, task *Task) error
	GetByID(ctx context.Context, id string) (*Task, error)
	// GetForUpdate loads a task and locks it until the surrounding
	// transaction ends.
	GetForUpdate(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context, filter TaskFilter) ([]*Task, error)
	Update(ctx context.Context, task *Task) error
	CountByTemplate(ctx context.Context, templateID string) (int, error)
	// CountInFlightByTemplate counts referencing tasks that are neither
	// approved nor completed.
	CountInFlightByTemplate(ctx context.Context, templateID string) (int, error)
}

// TaskNodeStore is the append-only forwarding ledger.
type TaskNodeStore interface {
	Append(ctx context.Context, node *TaskNode) error
	// ListByTask returns nodes oldest first.
	ListByTask(ctx context.Context, taskID string) ([]*TaskNode, error)
	// ListByFromUser returns nodes the user forwarded, newest first.
	ListByFromUser(ctx context.Context, userID string) ([]*TaskNode, error)
}

// TaskApproverStore persists approval rounds.
type TaskApproverStore interface {
	CreateMany(ctx context.Context, approvers []*TaskApprover) error
	// ListByTask returns the round ordered by level.
	ListByTask(ctx context.Context, taskID string) ([]*TaskApprover, error)
	// ListByApprover returns a user's rows, newest first.
	ListByApprover(ctx context.Context, userID string, pendingOnly bool) ([]*TaskApprover, error)
	UpdateAction(ctx context.Context, id, status string, actionAt time.Time) error
	DeleteByTask(ctx context.Context, taskID string) (int64, error)
}

// ApprovalTemplateStore persists templates with their stages.
type ApprovalTemplateStore interface {
	Create(ctx context.Context, template *ApprovalTemplate) error
	GetByID(ctx context.Context, id string) (*ApprovalTemplate, error)
	// List returns templates newest first.
	List(ctx context.Context, activeOnly bool) ([]*ApprovalTemplate, error)
	// Update saves header fields; stages are replaced when replaceStages is set.
	Update(ctx context.Context, template *ApprovalTemplate, replaceStages bool) error
	Delete(ctx context.Context, id string) error
}

// DirectoryStore answers user and department questions.
type DirectoryStore interface {
	GetUser(ctx context.Context, id string) (*User, error)
	// FirstActiveUserWithRole returns the earliest-created active user holding
	// role, restricted to departmentID when given. Returns nil, nil when no
	// user qualifies.
	FirstActiveUserWithRole(ctx context.Context, role string, departmentID *string) (*User, error)
	GetDepartment(ctx context.Context, id string) (*Department, error)
}

// ActivityLogStore appends and reads immutable activity records.
type ActivityLogStore interface {
	Append(ctx context.Context, entry *ActivityLog) error
	// ListByTask returns entries newest first.
	ListByTask(ctx context.Context, taskID string) ([]*ActivityLog, error)
}

// Repositories bundles the stores bound to one connection or transaction.
type Repositories struct {
	Tasks     TaskStore
	Nodes     TaskNodeStore
	Approvers TaskApproverStore
	Templates ApprovalTemplateStore
	Directory DirectoryStore
	Activity  ActivityLogStore
}

// Store is the entity store consumed by the services.
type Store interface {
	// Repositories returns stores for single-statement reads and writes.
	Repositories() *Repositories
	// InTransaction runs fn against stores bound to one transaction. All
	// writes made through them commit together or not at all.
	InTransaction(ctx context.Context, fn func(repos *Repositories) error) error
}
