package repository

import "time"

// ── Task ─────────────────────────────────────────────────────────────────────

// Approval types.
const (
	ApprovalType360        = "360"
	ApprovalTypeSpecific   = "specific"
	ApprovalTypePredefined = "predefined"
)

// Task statuses.
const (
	TaskStatusOpen            = "open"
	TaskStatusInProgress      = "in_progress"
	TaskStatusPendingApproval = "pending_approval"
	TaskStatusApproved        = "approved"
	TaskStatusRejected        = "rejected"
	// TaskStatusCompleted is part of the status taxonomy but no transition
	// produces it. It is treated as terminal wherever it is checked.
	TaskStatusCompleted = "completed"
)

// Task is a unit of work routed through assignees and approvers.
type Task struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Description        *string    `json:"description,omitempty"`
	CreatorID          string     `json:"creatorId"`
	AssigneeID         *string    `json:"assigneeId,omitempty"`
	DepartmentID       *string    `json:"departmentId,omitempty"`
	Amount             *float64   `json:"amount,omitempty"`
	ApprovalType       string     `json:"approvalType"`
	ApprovalTemplateID *string    `json:"approvalTemplateId,omitempty"`
	Status             string     `json:"status"`
	StartDate          *time.Time `json:"startDate,omitempty"`
	DueDate            *time.Time `json:"dueDate,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// IsAssignee reports whether userID currently holds the task.
func (t *Task) IsAssignee(userID string) bool {
	return t.AssigneeID != nil && *t.AssigneeID == userID
}

// TaskFilter narrows task listings. Nil fields are ignored.
type TaskFilter struct {
	Status     *string
	AssigneeID *string
	CreatorID  *string
}

// ── Forwarding ledger ────────────────────────────────────────────────────────

// TaskNode is one hand-off in a task's forwarding path. Append-only.
type TaskNode struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"taskId"`
	FromUserID  string    `json:"fromUserId"`
	ToUserID    string    `json:"toUserId"`
	ForwardedAt time.Time `json:"forwardedAt"`
}

// ── Approval round ───────────────────────────────────────────────────────────

// Approver statuses.
const (
	ApproverStatusPending  = "pending"
	ApproverStatusApproved = "approved"
	ApproverStatusRejected = "rejected"
)

// TaskApprover is one approval level of a task's current round.
type TaskApprover struct {
	ID             string     `json:"id"`
	TaskID         string     `json:"taskId"`
	LevelOrder     int        `json:"levelOrder"`
	ApproverUserID string     `json:"approverUserId"`
	Status         string     `json:"status"`
	ActionAt       *time.Time `json:"actionAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// ── Templates ────────────────────────────────────────────────────────────────

// Stage approver types.
const (
	ApproverTypeUser        = "user"
	ApproverTypeRole        = "role"
	ApproverTypeDynamicRole = "dynamic_role"
)

// ApprovalTemplate is a reusable, ordered approval rule set.
type ApprovalTemplate struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ConditionJSON string `json:"conditionJson"`
	// Condition is parsed from ConditionJSON when the template is loaded.
	// It is nil when the stored condition is malformed.
	Condition *Condition              `json:"-"`
	IsActive  bool                    `json:"isActive"`
	Stages    []ApprovalTemplateStage `json:"stages"`
	CreatedAt time.Time               `json:"createdAt"`
	UpdatedAt time.Time               `json:"updatedAt"`
}

// ApprovalTemplateStage is one level of a template.
type ApprovalTemplateStage struct {
	ID            string `json:"id"`
	TemplateID    string `json:"templateId"`
	LevelOrder    int    `json:"levelOrder"`
	ApproverType  string `json:"approverType"`
	ApproverValue string `json:"approverValue"`
}

// ── Directory ────────────────────────────────────────────────────────────────

// Static roles the engine looks up.
const (
	RoleAdmin    = "admin"
	RoleHOD      = "hod"
	RoleCFO      = "cfo"
	RoleEmployee = "employee"
)

// User is read-only to the engine.
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Role         string    `json:"role"`
	DepartmentID *string   `json:"departmentId,omitempty"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Department groups users and tasks.
type Department struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// ── Activity log ─────────────────────────────────────────────────────────────

// Activity actions.
const (
	ActionCreated              = "created"
	ActionAssigned             = "assigned"
	ActionForwarded            = "forwarded"
	ActionSubmittedForApproval = "submitted_for_approval"
	ActionApproved             = "approved"
	ActionCompleted            = "completed"
	ActionRejected             = "rejected"
	ActionStatusChanged        = "status_changed"
	ActionApproversUpdated     = "approvers_updated"
	ActionUpdated              = "updated"
)

// ActivityLog is one immutable activity record.
type ActivityLog struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"taskId"`
	UserID      *string   `json:"userId,omitempty"`
	Action      string    `json:"action"`
	Description string    `json:"description"`
	OldValue    *string   `json:"oldValue,omitempty"`
	NewValue    *string   `json:"newValue,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}
