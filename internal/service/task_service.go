package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pesio-ai/be-task-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-task-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-task-approvals/internal/repository"
)

// TaskService handles task creation, editing and the read models around the
// approval engine.
type TaskService struct {
	store repository.Store
	log   *logger.Logger
}

// NewTaskService creates a new task service
func NewTaskService(store repository.Store, log *logger.Logger) *TaskService {
	return &TaskService{store: store, log: log}
}

// CreateTaskRequest represents a create task request
type CreateTaskRequest struct {
	Title              string           `json:"title"`
	Description        *string          `json:"description"`
	AssigneeID         *string          `json:"assigneeId"`
	DepartmentID       *string          `json:"departmentId"`
	Amount             *float64         `json:"amount"`
	ApprovalType       string           `json:"approvalType"`
	ApprovalTemplateID *string          `json:"approvalTemplateId"`
	StartDate          *string          `json:"startDate"`
	DueDate            *string          `json:"dueDate"`
	ManualApprovers    []ManualApprover `json:"manualApprovers"`
	CreatedBy          string           `json:"-"`
}

// UpdateTaskRequest represents an edit. Nil fields are left unchanged; an
// empty string clears an optional field.
type UpdateTaskRequest struct {
	ID           string   `json:"-"`
	Title        *string  `json:"title"`
	Description  *string  `json:"description"`
	DepartmentID *string  `json:"departmentId"`
	Amount       *float64 `json:"amount"`
	StartDate    *string  `json:"startDate"`
	DueDate      *string  `json:"dueDate"`
	UpdatedBy    string   `json:"-"`
}

// TaskDetail is a task with its forwarding path and current round.
type TaskDetail struct {
	*repository.Task
	Nodes     []*repository.TaskNode     `json:"nodes"`
	Approvers []*repository.TaskApprover `json:"approvers"`
}

// ApprovalItem is one row of a user's approval bucket.
type ApprovalItem struct {
	*repository.TaskApprover
	Task *repository.Task `json:"task"`
}

// WaitingOnItem is a hand-off the user made that is still outstanding.
type WaitingOnItem struct {
	*repository.TaskNode
	Task *repository.Task `json:"task"`
}

var validApprovalTypes = map[string]bool{
	repository.ApprovalType360:        true,
	repository.ApprovalTypeSpecific:   true,
	repository.ApprovalTypePredefined: true,
}

// CreateTask creates a new task in status open.
func (s *TaskService) CreateTask(ctx context.Context, req *CreateTaskRequest) (*TaskDetail, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, errors.InvalidInput("title", "title is required")
	}
	if !validApprovalTypes[req.ApprovalType] {
		return nil, errors.InvalidInput("approvalType", "invalid approvalType. Must be 360, specific, or predefined")
	}
	startDate, err := parseDate("startDate", req.StartDate)
	if err != nil {
		return nil, err
	}
	dueDate, err := parseDate("dueDate", req.DueDate)
	if err != nil {
		return nil, err
	}
	if startDate != nil && dueDate != nil && dueDate.Before(*startDate) {
		return nil, errors.InvalidInput("dueDate", "due date must not be before start date")
	}
	if req.ApprovalType == repository.ApprovalTypeSpecific {
		if err := validateManualApprovers(req.ManualApprovers); err != nil {
			return nil, err
		}
	}

	task := &repository.Task{
		Title:        title,
		Description:  emptyToNil(req.Description),
		CreatorID:    req.CreatedBy,
		AssigneeID:   emptyToNil(req.AssigneeID),
		DepartmentID: emptyToNil(req.DepartmentID),
		Amount:       req.Amount,
		ApprovalType: req.ApprovalType,
		Status:       repository.TaskStatusOpen,
		StartDate:    startDate,
		DueDate:      dueDate,
	}
	if req.ApprovalType == repository.ApprovalTypePredefined {
		task.ApprovalTemplateID = emptyToNil(req.ApprovalTemplateID)
	}

	detail := &TaskDetail{Task: task}
	err = s.store.InTransaction(ctx, func(repos *repository.Repositories) error {
		creator, err := repos.Directory.GetUser(ctx, req.CreatedBy)
		if errors.IsNotFound(err) {
			return errors.New(errors.ErrCodeUnauthorized, "unknown acting user")
		}
		if err != nil {
			return err
		}

		var assignee *repository.User
		if task.AssigneeID != nil {
			assignee, err = repos.Directory.GetUser(ctx, *task.AssigneeID)
			if errors.IsNotFound(err) {
				return errors.InvalidInput("assigneeId", "user not found: "+*task.AssigneeID)
			}
			if err != nil {
				return err
			}
		}
		if err := checkDepartment(ctx, repos.Directory, task.DepartmentID); err != nil {
			return err
		}
		if task.ApprovalTemplateID != nil {
			_, err := repos.Templates.GetByID(ctx, *task.ApprovalTemplateID)
			if errors.IsNotFound(err) {
				return errors.InvalidInput("approvalTemplateId", "approval template not found: "+*task.ApprovalTemplateID)
			}
			if err != nil {
				return err
			}
		}

		if err := repos.Tasks.Create(ctx, task); err != nil {
			return err
		}

		if task.ApprovalType == repository.ApprovalTypeSpecific && len(req.ManualApprovers) > 0 {
			if err := checkUsersExist(ctx, repos.Directory, req.ManualApprovers); err != nil {
				return err
			}
			detail.Approvers = manualRows(task.ID, req.ManualApprovers)
			if err := repos.Approvers.CreateMany(ctx, detail.Approvers); err != nil {
				return err
			}
		}

		status := task.Status
		if err := appendActivity(ctx, repos, task.ID, creator.ID, repository.ActionCreated,
			fmt.Sprintf("Task created by %s", creator.Name), nil, &status); err != nil {
			return err
		}
		if assignee != nil {
			return appendActivity(ctx, repos, task.ID, creator.ID, repository.ActionAssigned,
				fmt.Sprintf("Task assigned to %s", assignee.Name), nil, &assignee.Name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("task_id", task.ID).
		Str("approval_type", task.ApprovalType).
		Str("created_by", task.CreatorID).
		Msg("Task created")

	return detail, nil
}

// GetTask returns a task with its nodes and approvers.
func (s *TaskService) GetTask(ctx context.Context, id string) (*TaskDetail, error) {
	repos := s.store.Repositories()
	task, err := repos.Tasks.GetByID(ctx, id)
	if err != nil {
		return nil, taskNotFound(err, id)
	}
	nodes, err := repos.Nodes.ListByTask(ctx, id)
	if err != nil {
		return nil, err
	}
	approvers, err := repos.Approvers.ListByTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return &TaskDetail{Task: task, Nodes: nodes, Approvers: approvers}, nil
}

// ListTasks returns tasks matching filter, newest first.
func (s *TaskService) ListTasks(ctx context.Context, filter repository.TaskFilter) ([]*repository.Task, error) {
	return s.store.Repositories().Tasks.List(ctx, filter)
}

// UpdateTask edits the descriptive fields of a task. Only an admin or the
// assignee may edit.
func (s *TaskService) UpdateTask(ctx context.Context, req *UpdateTaskRequest) (*repository.Task, error) {
	if req.Title != nil && strings.TrimSpace(*req.Title) == "" {
		return nil, errors.InvalidInput("title", "title must not be empty")
	}
	startDate, err := parseDate("startDate", req.StartDate)
	if err != nil {
		return nil, err
	}
	dueDate, err := parseDate("dueDate", req.DueDate)
	if err != nil {
		return nil, err
	}

	var task *repository.Task
	err = s.store.InTransaction(ctx, func(repos *repository.Repositories) error {
		t, err := lockTask(ctx, repos, req.ID)
		if err != nil {
			return err
		}
		if !t.IsAssignee(req.UpdatedBy) {
			actor, err := repos.Directory.GetUser(ctx, req.UpdatedBy)
			if err != nil && !errors.IsNotFound(err) {
				return err
			}
			if actor == nil || actor.Role != repository.RoleAdmin {
				return ErrForbidden.WithMessage("only admin or assignee can edit task")
			}
		}

		var changed []string
		if req.Title != nil {
			t.Title = strings.TrimSpace(*req.Title)
			changed = append(changed, "title")
		}
		if req.Description != nil {
			t.Description = emptyToNil(req.Description)
			changed = append(changed, "description")
		}
		if req.DepartmentID != nil {
			t.DepartmentID = emptyToNil(req.DepartmentID)
			if err := checkDepartment(ctx, repos.Directory, t.DepartmentID); err != nil {
				return err
			}
			changed = append(changed, "department")
		}
		if req.Amount != nil {
			t.Amount = req.Amount
			changed = append(changed, "amount")
		}
		if req.StartDate != nil {
			t.StartDate = startDate
			changed = append(changed, "startDate")
		}
		if req.DueDate != nil {
			t.DueDate = dueDate
			changed = append(changed, "dueDate")
		}
		if len(changed) == 0 {
			task = t
			return nil
		}

		if err := repos.Tasks.Update(ctx, t); err != nil {
			return err
		}
		task = t
		return appendActivity(ctx, repos, t.ID, req.UpdatedBy, repository.ActionUpdated,
			"Task updated: "+strings.Join(changed, ", "), nil, nil)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("task_id", task.ID).Str("updated_by", req.UpdatedBy).Msg("Task updated")
	return task, nil
}

// ApprovalBucket returns the user's approval rows with their tasks, newest
// first. Only pending rows are returned unless all is set.
func (s *TaskService) ApprovalBucket(ctx context.Context, userID string, all bool) ([]*ApprovalItem, error) {
	repos := s.store.Repositories()
	rows, err := repos.Approvers.ListByApprover(ctx, userID, !all)
	if err != nil {
		return nil, err
	}

	items := make([]*ApprovalItem, 0, len(rows))
	cache := map[string]*repository.Task{}
	for _, row := range rows {
		task, err := cachedTask(ctx, repos, cache, row.TaskID)
		if err != nil {
			return nil, err
		}
		items = append(items, &ApprovalItem{TaskApprover: row, Task: task})
	}
	return items, nil
}

// WaitingOn returns hand-offs made by userID where the receiver still holds
// the task or the task is still moving, newest first.
func (s *TaskService) WaitingOn(ctx context.Context, userID string) ([]*WaitingOnItem, error) {
	repos := s.store.Repositories()
	nodes, err := repos.Nodes.ListByFromUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	items := make([]*WaitingOnItem, 0, len(nodes))
	cache := map[string]*repository.Task{}
	for _, node := range nodes {
		task, err := cachedTask(ctx, repos, cache, node.TaskID)
		if err != nil {
			return nil, err
		}
		stillMoving := task.Status == repository.TaskStatusInProgress || task.Status == repository.TaskStatusPendingApproval
		if task.IsAssignee(node.ToUserID) || stillMoving {
			items = append(items, &WaitingOnItem{TaskNode: node, Task: task})
		}
	}
	return items, nil
}

// Activity returns the task's activity log, newest first.
func (s *TaskService) Activity(ctx context.Context, taskID string) ([]*repository.ActivityLog, error) {
	repos := s.store.Repositories()
	if _, err := repos.Tasks.GetByID(ctx, taskID); err != nil {
		return nil, taskNotFound(err, taskID)
	}
	return repos.Activity.ListByTask(ctx, taskID)
}

func cachedTask(ctx context.Context, repos *repository.Repositories, cache map[string]*repository.Task, id string) (*repository.Task, error) {
	if t, ok := cache[id]; ok {
		return t, nil
	}
	t, err := repos.Tasks.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	cache[id] = t
	return t, nil
}

func checkDepartment(ctx context.Context, dir repository.DirectoryStore, id *string) error {
	if id == nil {
		return nil
	}
	_, err := dir.GetDepartment(ctx, *id)
	if errors.IsNotFound(err) {
		return errors.InvalidInput("departmentId", "department not found: "+*id)
	}
	return err
}

// parseDate accepts RFC 3339 timestamps or plain YYYY-MM-DD dates. A nil or
// empty value yields nil.
func parseDate(field string, value *string) (*time.Time, error) {
	if value == nil || *value == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, *value); err == nil {
			return &t, nil
		}
	}
	return nil, errors.InvalidInput(field, "invalid date format, expected RFC 3339 or YYYY-MM-DD")
}

func emptyToNil(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
