package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/pesio-ai/be-task-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-task-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-task-approvals/internal/platform/tracing"
	"github.com/pesio-ai/be-task-approvals/internal/repository"
)

// EmptyRoundPolicy decides what Complete does when a predefined template
// resolves to no approvers.
type EmptyRoundPolicy string

const (
	// EmptyRoundReject fails Complete with ErrNoApproverPath.
	EmptyRoundReject EmptyRoundPolicy = "reject"
	// EmptyRoundAllow moves the task to pending_approval with no approvers.
	EmptyRoundAllow EmptyRoundPolicy = "allow"
)

// ManualApprover is one caller-chosen level of a specific approval round.
type ManualApprover struct {
	LevelOrder     int    `json:"levelOrder"`
	ApproverUserID string `json:"approverUserId"`
}

// CompleteResult is returned by Complete.
type CompleteResult struct {
	Task      *repository.Task          `json:"task"`
	Approvers []*repository.TaskApprover `json:"approvers"`
}

// ApproveResult is returned by Approve.
type ApproveResult struct {
	Task       *repository.Task `json:"task"`
	IsComplete bool             `json:"isComplete"`
}

// ForwardResult is returned by Forward.
type ForwardResult struct {
	Task *repository.Task     `json:"task"`
	Node *repository.TaskNode `json:"node"`
}

// ApprovalEngine drives a task through forwarding, completion and the
// approval round. Every operation runs in one store transaction with the task
// row locked; events are published only after commit.
type ApprovalEngine struct {
	store      repository.Store
	publisher  EventPublisher
	emptyRound EmptyRoundPolicy
	now        func() time.Time
	log        *logger.Logger
}

// NewApprovalEngine creates a new ApprovalEngine. A nil publisher disables
// event delivery; events are still logged.
func NewApprovalEngine(
	store repository.Store,
	publisher EventPublisher,
	emptyRound EmptyRoundPolicy,
	log *logger.Logger,
) *ApprovalEngine {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	if emptyRound == "" {
		emptyRound = EmptyRoundReject
	}
	return &ApprovalEngine{
		store:      store,
		publisher:  publisher,
		emptyRound: emptyRound,
		now:        time.Now,
		log:        log,
	}
}

// ── Forward ───────────────────────────────────────────────────────────────────

// Forward hands the task from actorID to toUserID. The actor must hold the
// task or be a pending approver while it awaits approval.
func (s *ApprovalEngine) Forward(ctx context.Context, taskID, actorID, toUserID string) (res *ForwardResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "ApprovalEngine.Forward",
		attribute.String("task.id", taskID),
		attribute.String("actor.id", actorID),
	)
	defer func() { tracing.End(span, err) }()

	if toUserID == "" {
		return nil, errors.InvalidInput("toUserId", "toUserId is required")
	}

	err = s.store.InTransaction(ctx, func(repos *repository.Repositories) error {
		task, err := lockTask(ctx, repos, taskID)
		if err != nil {
			return err
		}

		// pending approvers may hand the task on whatever its status
		allowed := task.IsAssignee(actorID)
		if !allowed {
			row, err := pendingRowFor(ctx, repos, taskID, actorID)
			if err != nil {
				return err
			}
			allowed = row != nil
		}
		if !allowed {
			return ErrForbidden.WithMessage("only assignee or current approver can forward task")
		}

		to, err := repos.Directory.GetUser(ctx, toUserID)
		if errors.IsNotFound(err) {
			return errors.InvalidInput("toUserId", fmt.Sprintf("user not found: %s", toUserID))
		}
		if err != nil {
			return err
		}
		fromName := userName(ctx, repos.Directory, actorID)

		node := &repository.TaskNode{TaskID: taskID, FromUserID: actorID, ToUserID: to.ID}
		if err := repos.Nodes.Append(ctx, node); err != nil {
			return err
		}

		task.AssigneeID = &to.ID
		if task.Status == repository.TaskStatusOpen {
			task.Status = repository.TaskStatusInProgress
		}
		if err := repos.Tasks.Update(ctx, task); err != nil {
			return err
		}

		if err := appendActivity(ctx, repos, taskID, actorID, repository.ActionForwarded,
			fmt.Sprintf("Task forwarded from %s to %s", fromName, to.Name),
			&fromName, &to.Name); err != nil {
			return err
		}

		res = &ForwardResult{Task: task, Node: node}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("task_id", taskID).
		Str("from_user_id", actorID).
		Str("to_user_id", toUserID).
		Str("status", res.Task.Status).
		Msg("Task forwarded")

	s.notify(ctx, EventForwarded, taskID, actorID, toUserID, map[string]any{"title": res.Task.Title})
	return res, nil
}

// ── Complete ──────────────────────────────────────────────────────────────────

// Complete submits the task for approval, building the round according to
// the task's approval type.
func (s *ApprovalEngine) Complete(ctx context.Context, taskID, actorID string) (res *CompleteResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "ApprovalEngine.Complete",
		attribute.String("task.id", taskID),
		attribute.String("actor.id", actorID),
	)
	defer func() { tracing.End(span, err) }()

	err = s.store.InTransaction(ctx, func(repos *repository.Repositories) error {
		task, err := lockTask(ctx, repos, taskID)
		if err != nil {
			return err
		}
		if !task.IsAssignee(actorID) {
			return ErrForbidden.WithMessage("only assignee can complete task")
		}
		switch task.Status {
		case repository.TaskStatusApproved, repository.TaskStatusCompleted:
			return ErrAlreadyCompleted
		case repository.TaskStatusPendingApproval:
			return ErrAlreadySubmitted
		}

		approvers, err := s.buildRound(ctx, repos, task, actorID)
		if err != nil {
			return err
		}

		oldStatus := task.Status
		task.Status = repository.TaskStatusPendingApproval
		if err := repos.Tasks.Update(ctx, task); err != nil {
			return err
		}

		newStatus := task.Status
		if err := appendActivity(ctx, repos, taskID, actorID, repository.ActionSubmittedForApproval,
			fmt.Sprintf("Task submitted for approval (%s approval type)", task.ApprovalType),
			&oldStatus, &newStatus); err != nil {
			return err
		}

		res = &CompleteResult{Task: task, Approvers: approvers}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("task_id", taskID).
		Str("approval_type", res.Task.ApprovalType).
		Int("approvers", len(res.Approvers)).
		Msg("Task submitted for approval")

	if first := firstPending(res.Approvers); first != nil {
		s.notify(ctx, EventApprovalRequired, taskID, actorID, first.ApproverUserID, map[string]any{
			"title":       res.Task.Title,
			"level_order": first.LevelOrder,
		})
	}
	return res, nil
}

// buildRound produces the persisted approver rows for a completion.
func (s *ApprovalEngine) buildRound(ctx context.Context, repos *repository.Repositories, task *repository.Task, completerID string) ([]*repository.TaskApprover, error) {
	switch task.ApprovalType {
	case repository.ApprovalType360:
		nodes, err := repos.Nodes.ListByTask(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		queue := BuildBackwardQueue(nodes, completerID)
		if len(queue) == 0 {
			return nil, ErrNoApproverPath.WithMessage("no approvers found in forward path")
		}
		return replaceRound(ctx, repos, task.ID, queueToApprovers(task.ID, queue))

	case repository.ApprovalTypeSpecific:
		existing, err := repos.Approvers.ListByTask(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		if len(existing) == 0 {
			return nil, ErrNoApproverPath.WithMessage("no manual approvers specified")
		}
		return existing, nil

	case repository.ApprovalTypePredefined:
		template, err := s.templateFor(ctx, repos, task)
		if err != nil {
			return nil, err
		}
		approvers, err := ResolveApprovers(ctx, repos.Directory, task, template.Stages)
		if err != nil {
			return nil, err
		}
		if len(approvers) == 0 && s.emptyRound == EmptyRoundReject {
			return nil, ErrNoApproverPath.WithMessage("approval template %q resolved to no approvers", template.Name)
		}
		s.log.Debug().
			Str("task_id", task.ID).
			Str("template_id", template.ID).
			Int("stages", len(template.Stages)).
			Int("resolved", len(approvers)).
			Msg("Approval template resolved")
		return replaceRound(ctx, repos, task.ID, approvers)
	}
	return nil, errors.InvalidInput("approvalType", fmt.Sprintf("unknown approval type %q", task.ApprovalType))
}

// templateFor returns the explicitly chosen template, or the newest active
// template whose condition matches.
func (s *ApprovalEngine) templateFor(ctx context.Context, repos *repository.Repositories, task *repository.Task) (*repository.ApprovalTemplate, error) {
	if task.ApprovalTemplateID != nil {
		t, err := repos.Templates.GetByID(ctx, *task.ApprovalTemplateID)
		if errors.IsNotFound(err) {
			return nil, ErrTemplateMissing.WithMessage("approval template not found: %s", *task.ApprovalTemplateID)
		}
		return t, err
	}

	var departmentName *string
	if task.DepartmentID != nil {
		dept, err := repos.Directory.GetDepartment(ctx, *task.DepartmentID)
		switch {
		case err == nil:
			departmentName = &dept.Name
		case !errors.IsNotFound(err):
			return nil, err
		}
	}

	templates, err := repos.Templates.List(ctx, true)
	if err != nil {
		return nil, err
	}
	return MatchTemplate(task, departmentName, templates)
}

// replaceRound discards any stale rows and persists the new round.
func replaceRound(ctx context.Context, repos *repository.Repositories, taskID string, approvers []*repository.TaskApprover) ([]*repository.TaskApprover, error) {
	if _, err := repos.Approvers.DeleteByTask(ctx, taskID); err != nil {
		return nil, err
	}
	if len(approvers) == 0 {
		return approvers, nil
	}
	if err := repos.Approvers.CreateMany(ctx, approvers); err != nil {
		return nil, err
	}
	return approvers, nil
}

// ── Approve ───────────────────────────────────────────────────────────────────

// Approve records actorID's approval at their level. The task becomes
// approved once no pending level remains.
func (s *ApprovalEngine) Approve(ctx context.Context, taskID, actorID string) (res *ApproveResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "ApprovalEngine.Approve",
		attribute.String("task.id", taskID),
		attribute.String("actor.id", actorID),
	)
	defer func() { tracing.End(span, err) }()

	var next *repository.TaskApprover
	err = s.store.InTransaction(ctx, func(repos *repository.Repositories) error {
		task, err := lockTask(ctx, repos, taskID)
		if err != nil {
			return err
		}
		if task.Status != repository.TaskStatusPendingApproval {
			return ErrNoPendingApproval
		}

		rows, err := repos.Approvers.ListByTask(ctx, taskID)
		if err != nil {
			return err
		}
		current := pendingIn(rows, actorID)
		if current == nil {
			return ErrNoPendingApproval
		}
		for _, r := range rows {
			if r.LevelOrder < current.LevelOrder && r.Status != repository.ApproverStatusApproved {
				return ErrPreviousLevelIncomplete.WithMessage(
					"level %d must be approved before level %d", r.LevelOrder, current.LevelOrder)
			}
		}

		now := s.now().UTC()
		if err := repos.Approvers.UpdateAction(ctx, current.ID, repository.ApproverStatusApproved, now); err != nil {
			return err
		}
		current.Status = repository.ApproverStatusApproved
		current.ActionAt = &now

		oldValue, newValue := repository.ApproverStatusPending, repository.ApproverStatusApproved
		if err := appendActivity(ctx, repos, taskID, actorID, repository.ActionApproved,
			fmt.Sprintf("Approved by %s (Level %d)", userName(ctx, repos.Directory, actorID), current.LevelOrder),
			&oldValue, &newValue); err != nil {
			return err
		}

		next = firstPending(rows)
		res = &ApproveResult{Task: task, IsComplete: next == nil}
		if !res.IsComplete {
			return nil
		}

		task.Status = repository.TaskStatusApproved
		if err := repos.Tasks.Update(ctx, task); err != nil {
			return err
		}
		oldStatus, newStatus := repository.TaskStatusPendingApproval, repository.TaskStatusApproved
		return appendActivity(ctx, repos, taskID, actorID, repository.ActionCompleted,
			"Task fully approved and completed", &oldStatus, &newStatus)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("task_id", taskID).
		Str("approver_id", actorID).
		Bool("complete", res.IsComplete).
		Msg("Task approval recorded")

	if res.IsComplete {
		s.notify(ctx, EventApproved, taskID, actorID, res.Task.CreatorID, map[string]any{"title": res.Task.Title})
	} else {
		s.notify(ctx, EventApprovalRequired, taskID, actorID, next.ApproverUserID, map[string]any{
			"title":       res.Task.Title,
			"level_order": next.LevelOrder,
		})
	}
	return res, nil
}

// ── Reject ────────────────────────────────────────────────────────────────────

// Reject ends the current round and sends the task back to forwardTo, or to
// the assignee, or to the creator. All approver rows are discarded so the
// next Complete starts a fresh round.
func (s *ApprovalEngine) Reject(ctx context.Context, taskID, actorID, forwardTo string) (task *repository.Task, err error) {
	ctx, span := tracing.StartSpan(ctx, "ApprovalEngine.Reject",
		attribute.String("task.id", taskID),
		attribute.String("actor.id", actorID),
	)
	defer func() { tracing.End(span, err) }()

	var targetID string
	err = s.store.InTransaction(ctx, func(repos *repository.Repositories) error {
		t, err := lockTask(ctx, repos, taskID)
		if err != nil {
			return err
		}
		if t.Status != repository.TaskStatusPendingApproval {
			return ErrNoPendingApproval
		}
		current, err := pendingRowFor(ctx, repos, taskID, actorID)
		if err != nil {
			return err
		}
		if current == nil {
			return ErrNoPendingApproval
		}

		switch {
		case forwardTo != "":
			targetID = forwardTo
		case t.AssigneeID != nil && *t.AssigneeID != "":
			targetID = *t.AssigneeID
		default:
			targetID = t.CreatorID
		}
		if targetID == "" {
			return ErrNoTargetUser
		}
		target, err := repos.Directory.GetUser(ctx, targetID)
		if errors.IsNotFound(err) {
			return errors.InvalidInput("forwardTo", fmt.Sprintf("user not found: %s", targetID))
		}
		if err != nil {
			return err
		}

		if err := repos.Approvers.UpdateAction(ctx, current.ID, repository.ApproverStatusRejected, s.now().UTC()); err != nil {
			return err
		}
		if err := repos.Nodes.Append(ctx, &repository.TaskNode{TaskID: taskID, FromUserID: actorID, ToUserID: targetID}); err != nil {
			return err
		}

		t.AssigneeID = &target.ID
		t.Status = repository.TaskStatusRejected
		if err := repos.Tasks.Update(ctx, t); err != nil {
			return err
		}
		if _, err := repos.Approvers.DeleteByTask(ctx, taskID); err != nil {
			return err
		}

		oldStatus, newStatus := repository.TaskStatusPendingApproval, repository.TaskStatusRejected
		if err := appendActivity(ctx, repos, taskID, actorID, repository.ActionRejected,
			fmt.Sprintf("Rejected by %s and sent back to %s", userName(ctx, repos.Directory, actorID), target.Name),
			&oldStatus, &newStatus); err != nil {
			return err
		}

		task = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("task_id", taskID).
		Str("approver_id", actorID).
		Str("target_id", targetID).
		Msg("Task rejected")

	s.notify(ctx, EventRejected, taskID, actorID, targetID, map[string]any{"title": task.Title})
	return task, nil
}

// ── Status override ───────────────────────────────────────────────────────────

var settableStatuses = map[string]bool{
	repository.TaskStatusOpen:       true,
	repository.TaskStatusInProgress: true,
	repository.TaskStatusRejected:   true,
}

// UpdateStatus lets the assignee move a task between the working statuses.
func (s *ApprovalEngine) UpdateStatus(ctx context.Context, taskID, actorID, status string) (task *repository.Task, err error) {
	ctx, span := tracing.StartSpan(ctx, "ApprovalEngine.UpdateStatus",
		attribute.String("task.id", taskID),
		attribute.String("status", status),
	)
	defer func() { tracing.End(span, err) }()

	if status == "" {
		return nil, errors.InvalidInput("status", "status is required")
	}
	if !settableStatuses[status] {
		return nil, errors.InvalidInput("status", "invalid status. Allowed: open, in_progress, rejected")
	}

	var oldStatus string
	err = s.store.InTransaction(ctx, func(repos *repository.Repositories) error {
		t, err := lockTask(ctx, repos, taskID)
		if err != nil {
			return err
		}
		if !t.IsAssignee(actorID) {
			return ErrForbidden.WithMessage("only assignee can update task status")
		}
		if isLocked(t.Status) {
			return ErrInvalidStatusTransition.WithMessage("cannot change status of task in %s", t.Status)
		}

		oldStatus = t.Status
		t.Status = status
		if err := repos.Tasks.Update(ctx, t); err != nil {
			return err
		}
		if err := appendActivity(ctx, repos, taskID, actorID, repository.ActionStatusChanged,
			fmt.Sprintf("Status changed from %s to %s", oldStatus, status),
			&oldStatus, &status); err != nil {
			return err
		}
		task = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("task_id", taskID).
		Str("old_status", oldStatus).
		Str("new_status", status).
		Msg("Task status changed")
	return task, nil
}

// ── Manual approvers ──────────────────────────────────────────────────────────

// SetManualApprovers replaces the approver list of a specific task. It is
// refused while a round is running or after the task is approved.
func (s *ApprovalEngine) SetManualApprovers(ctx context.Context, taskID, actorID string, approvers []ManualApprover) (rows []*repository.TaskApprover, err error) {
	ctx, span := tracing.StartSpan(ctx, "ApprovalEngine.SetManualApprovers",
		attribute.String("task.id", taskID),
		attribute.Int("levels", len(approvers)),
	)
	defer func() { tracing.End(span, err) }()

	if err := validateManualApprovers(approvers); err != nil {
		return nil, err
	}

	err = s.store.InTransaction(ctx, func(repos *repository.Repositories) error {
		t, err := lockTask(ctx, repos, taskID)
		if err != nil {
			return err
		}
		if t.ApprovalType != repository.ApprovalTypeSpecific {
			return errors.InvalidInput("approvalType", "manual approvers apply only to specific approval tasks")
		}
		if t.CreatorID != actorID && !t.IsAssignee(actorID) {
			return ErrForbidden.WithMessage("only creator or assignee can set approvers")
		}
		switch t.Status {
		case repository.TaskStatusPendingApproval:
			return ErrAlreadySubmitted
		case repository.TaskStatusApproved, repository.TaskStatusCompleted:
			return ErrAlreadyCompleted
		}
		if err := checkUsersExist(ctx, repos.Directory, approvers); err != nil {
			return err
		}

		rows = manualRows(taskID, approvers)
		if _, err := replaceRound(ctx, repos, taskID, rows); err != nil {
			return err
		}
		return appendActivity(ctx, repos, taskID, actorID, repository.ActionApproversUpdated,
			fmt.Sprintf("Manual approvers updated (%d levels)", len(rows)), nil, nil)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("task_id", taskID).Int("levels", len(rows)).Msg("Manual approvers replaced")
	return rows, nil
}

func validateManualApprovers(approvers []ManualApprover) error {
	seen := make(map[int]bool, len(approvers))
	for _, a := range approvers {
		if a.LevelOrder <= 0 {
			return errors.InvalidInput("manualApprovers", "levelOrder must be positive")
		}
		if a.ApproverUserID == "" {
			return errors.InvalidInput("manualApprovers", "approverUserId is required")
		}
		if seen[a.LevelOrder] {
			return errors.InvalidInput("manualApprovers", fmt.Sprintf("duplicate levelOrder %d", a.LevelOrder))
		}
		seen[a.LevelOrder] = true
	}
	return nil
}

func checkUsersExist(ctx context.Context, dir repository.DirectoryStore, approvers []ManualApprover) error {
	for _, a := range approvers {
		_, err := dir.GetUser(ctx, a.ApproverUserID)
		if errors.IsNotFound(err) {
			return errors.InvalidInput("manualApprovers", fmt.Sprintf("user not found: %s", a.ApproverUserID))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func manualRows(taskID string, approvers []ManualApprover) []*repository.TaskApprover {
	rows := make([]*repository.TaskApprover, 0, len(approvers))
	for _, a := range approvers {
		rows = append(rows, &repository.TaskApprover{
			TaskID:         taskID,
			LevelOrder:     a.LevelOrder,
			ApproverUserID: a.ApproverUserID,
			Status:         repository.ApproverStatusPending,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].LevelOrder < rows[j].LevelOrder })
	return rows
}

// ── helpers ───────────────────────────────────────────────────────────────────

func lockTask(ctx context.Context, repos *repository.Repositories, taskID string) (*repository.Task, error) {
	task, err := repos.Tasks.GetForUpdate(ctx, taskID)
	if err != nil {
		return nil, taskNotFound(err, taskID)
	}
	return task, nil
}

// isLocked reports whether the status override may not touch the task.
func isLocked(status string) bool {
	switch status {
	case repository.TaskStatusPendingApproval, repository.TaskStatusApproved, repository.TaskStatusCompleted:
		return true
	}
	return false
}

func pendingRowFor(ctx context.Context, repos *repository.Repositories, taskID, userID string) (*repository.TaskApprover, error) {
	rows, err := repos.Approvers.ListByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return pendingIn(rows, userID), nil
}

// pendingIn returns userID's lowest pending level. rows are level ordered.
func pendingIn(rows []*repository.TaskApprover, userID string) *repository.TaskApprover {
	for _, r := range rows {
		if r.ApproverUserID == userID && r.Status == repository.ApproverStatusPending {
			return r
		}
	}
	return nil
}

func firstPending(rows []*repository.TaskApprover) *repository.TaskApprover {
	var first *repository.TaskApprover
	for _, r := range rows {
		if r.Status != repository.ApproverStatusPending {
			continue
		}
		if first == nil || r.LevelOrder < first.LevelOrder {
			first = r
		}
	}
	return first
}

func userName(ctx context.Context, dir repository.DirectoryStore, id string) string {
	u, err := dir.GetUser(ctx, id)
	if err != nil || u == nil {
		return "Unknown"
	}
	return u.Name
}

func appendActivity(ctx context.Context, repos *repository.Repositories, taskID, actorID, action, description string, oldValue, newValue *string) error {
	entry := &repository.ActivityLog{
		TaskID:      taskID,
		Action:      action,
		Description: description,
		OldValue:    oldValue,
		NewValue:    newValue,
	}
	if actorID != "" {
		entry.UserID = &actorID
	}
	return repos.Activity.Append(ctx, entry)
}
