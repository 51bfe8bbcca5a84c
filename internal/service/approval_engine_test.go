package service

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-task-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-task-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-task-approvals/internal/repository"
)

func TestPredefinedApprovalEndToEnd(t *testing.T) {
	f := newFixture(t, EmptyRoundReject)
	f.createTemplate("Small spend", `{"amount_min":1000}`,
		TemplateStageRequest{LevelOrder: 1, ApproverType: "user", ApproverValue: f.dave.ID})
	f.createTemplate("Accounts large spend", `{"department":"Accounts","amount_min":100000}`,
		TemplateStageRequest{LevelOrder: 1, ApproverType: "dynamic_role", ApproverValue: "HOD"},
		TemplateStageRequest{LevelOrder: 2, ApproverType: "dynamic_role", ApproverValue: "CFO"},
	)

	task := f.createTask(CreateTaskRequest{
		ApprovalType: repository.ApprovalTypePredefined,
		AssigneeID:   &f.alice.ID,
		DepartmentID: &f.accounts.ID,
		Amount:       ptr(120000.0),
		CreatedBy:    f.admin.ID,
	})

	res, err := f.engine.Complete(f.ctx, task.ID, f.alice.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.TaskStatusPendingApproval, res.Task.Status)

	rows := f.approvers(task.ID)
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0].LevelOrder)
	assert.Equal(t, f.hod.ID, rows[0].ApproverUserID)
	assert.Equal(t, 2, rows[1].LevelOrder)
	assert.Equal(t, f.cfo.ID, rows[1].ApproverUserID)
	for _, r := range rows {
		assert.Equal(t, repository.ApproverStatusPending, r.Status)
	}
	assert.Equal(t, publishedEvent{EventApprovalRequired, task.ID, f.alice.ID, []string{f.hod.ID}}, f.events.last())

	_, err = f.engine.Approve(f.ctx, task.ID, f.cfo.ID)
	assert.ErrorIs(t, err, ErrPreviousLevelIncomplete)
	assert.Equal(t, repository.ApproverStatusPending, f.approvers(task.ID)[1].Status)

	approved, err := f.engine.Approve(f.ctx, task.ID, f.hod.ID)
	require.NoError(t, err)
	assert.False(t, approved.IsComplete)
	assert.Equal(t, repository.TaskStatusPendingApproval, f.task(task.ID).Status)
	assert.Equal(t, []string{f.cfo.ID}, f.events.last().recipients)

	approved, err = f.engine.Approve(f.ctx, task.ID, f.cfo.ID)
	require.NoError(t, err)
	assert.True(t, approved.IsComplete)
	assert.Equal(t, repository.TaskStatusApproved, f.task(task.ID).Status)
	assert.Equal(t, publishedEvent{EventApproved, task.ID, f.cfo.ID, []string{f.admin.ID}}, f.events.last())

	_, err = f.engine.Complete(f.ctx, task.ID, f.alice.ID)
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
	_, err = f.engine.Approve(f.ctx, task.ID, f.cfo.ID)
	assert.ErrorIs(t, err, ErrNoPendingApproval)
	rows = f.approvers(task.ID)
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.Equal(t, repository.ApproverStatusApproved, r.Status)
	}
	assert.Equal(t, repository.TaskStatusApproved, f.task(task.ID).Status)

	logs := f.activity(task.ID)
	require.NotEmpty(t, logs)
	assert.Equal(t, repository.ActionCompleted, logs[0].Action)
	assert.Equal(t, repository.ActionApproved, logs[1].Action)
}

func Test360RoundAndRejection(t *testing.T) {
	f := newFixture(t, EmptyRoundReject)
	task := f.createTask(CreateTaskRequest{
		ApprovalType: repository.ApprovalType360,
		AssigneeID:   &f.alice.ID,
		CreatedBy:    f.admin.ID,
	})

	fwd, err := f.engine.Forward(f.ctx, task.ID, f.alice.ID, f.bob.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.TaskStatusInProgress, fwd.Task.Status)
	assert.Equal(t, f.bob.ID, *fwd.Task.AssigneeID)

	_, err = f.engine.Forward(f.ctx, task.ID, f.bob.ID, f.carol.ID)
	require.NoError(t, err)

	res, err := f.engine.Complete(f.ctx, task.ID, f.carol.ID)
	require.NoError(t, err)
	require.Len(t, res.Approvers, 2)
	assert.Equal(t, f.bob.ID, res.Approvers[0].ApproverUserID)
	assert.Equal(t, f.alice.ID, res.Approvers[1].ApproverUserID)

	_, err = f.engine.Complete(f.ctx, task.ID, f.carol.ID)
	assert.ErrorIs(t, err, ErrAlreadySubmitted)
	assert.Len(t, f.approvers(task.ID), 2)

	rejected, err := f.engine.Reject(f.ctx, task.ID, f.bob.ID, "")
	require.NoError(t, err)
	assert.Equal(t, repository.TaskStatusRejected, rejected.Status)
	assert.Equal(t, f.carol.ID, *rejected.AssigneeID)
	assert.Empty(t, f.approvers(task.ID))
	assert.Equal(t, publishedEvent{EventRejected, task.ID, f.bob.ID, []string{f.carol.ID}}, f.events.last())

	// a fresh round is built from the extended path
	res, err = f.engine.Complete(f.ctx, task.ID, f.carol.ID)
	require.NoError(t, err)
	require.Len(t, res.Approvers, 2)
	assert.Equal(t, f.bob.ID, res.Approvers[0].ApproverUserID)
	for _, r := range f.approvers(task.ID) {
		assert.Equal(t, repository.ApproverStatusPending, r.Status)
	}
}

func TestForwardAuthorization(t *testing.T) {
	f := newFixture(t, EmptyRoundReject)
	task := f.createTask(CreateTaskRequest{
		ApprovalType:    repository.ApprovalTypeSpecific,
		AssigneeID:      &f.alice.ID,
		CreatedBy:       f.admin.ID,
		ManualApprovers: []ManualApprover{{LevelOrder: 1, ApproverUserID: f.bob.ID}},
	})

	tests := []struct {
		name    string
		actor   string
		to      string
		wantErr error
		code    errors.Code
	}{
		{name: "stranger", actor: f.dave.ID, to: f.carol.ID, wantErr: ErrForbidden},
		{name: "missing target", actor: f.alice.ID, code: errors.ErrCodeInvalidInput},
		{name: "unknown target", actor: f.alice.ID, to: "nobody", code: errors.ErrCodeInvalidInput},
		{name: "unknown task", actor: f.alice.ID, to: f.bob.ID, wantErr: ErrTaskNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := task.ID
			if tt.name == "unknown task" {
				id = "missing"
			}
			_, err := f.engine.Forward(f.ctx, id, tt.actor, tt.to)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.Equal(t, tt.code, errors.CodeOf(err))
			}
		})
	}
	assert.Equal(t, repository.TaskStatusOpen, f.task(task.ID).Status)

	// manual approvers hold pending rows before submission
	fwd, err := f.engine.Forward(f.ctx, task.ID, f.bob.ID, f.carol.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.TaskStatusInProgress, fwd.Task.Status)
	assert.Equal(t, f.carol.ID, *fwd.Task.AssigneeID)

	_, err = f.engine.Complete(f.ctx, task.ID, f.carol.ID)
	require.NoError(t, err)

	fwd, err = f.engine.Forward(f.ctx, task.ID, f.bob.ID, f.dave.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.TaskStatusPendingApproval, fwd.Task.Status)
	assert.Equal(t, f.dave.ID, *fwd.Task.AssigneeID)
	require.Len(t, f.approvers(task.ID), 1)
}

func TestRejectWithoutTarget(t *testing.T) {
	f := newFixture(t, EmptyRoundReject)

	// a task with neither assignee nor creator leaves nobody to send it back to
	orphan := &repository.Task{
		Title:        "Imported",
		ApprovalType: repository.ApprovalTypeSpecific,
		Status:       repository.TaskStatusPendingApproval,
	}
	repos := f.store.Repositories()
	require.NoError(t, repos.Tasks.Create(f.ctx, orphan))
	require.NoError(t, repos.Approvers.CreateMany(f.ctx, []*repository.TaskApprover{
		{TaskID: orphan.ID, LevelOrder: 1, ApproverUserID: f.bob.ID},
	}))

	_, err := f.engine.Reject(f.ctx, orphan.ID, f.bob.ID, "")
	assert.ErrorIs(t, err, ErrNoTargetUser)
	assert.Equal(t, repository.TaskStatusPendingApproval, f.task(orphan.ID).Status)
	rows := f.approvers(orphan.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, repository.ApproverStatusPending, rows[0].Status)

	rejected, err := f.engine.Reject(f.ctx, orphan.ID, f.bob.ID, f.carol.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.TaskStatusRejected, rejected.Status)
}

func TestCompleteRequiresAssignee(t *testing.T) {
	f := newFixture(t, EmptyRoundReject)
	task := f.createTask(CreateTaskRequest{
		ApprovalType: repository.ApprovalType360,
		AssigneeID:   &f.alice.ID,
		CreatedBy:    f.admin.ID,
	})

	_, err := f.engine.Complete(f.ctx, task.ID, f.bob.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	// no hand-offs yet, so the path is empty
	_, err = f.engine.Complete(f.ctx, task.ID, f.alice.ID)
	assert.ErrorIs(t, err, ErrNoApproverPath)
	assert.Equal(t, repository.TaskStatusOpen, f.task(task.ID).Status)
}

func TestSpecificRejectThenResubmit(t *testing.T) {
	f := newFixture(t, EmptyRoundReject)
	task := f.createTask(CreateTaskRequest{
		ApprovalType: repository.ApprovalTypeSpecific,
		AssigneeID:   &f.alice.ID,
		CreatedBy:    f.admin.ID,
		ManualApprovers: []ManualApprover{
			{LevelOrder: 2, ApproverUserID: f.carol.ID},
			{LevelOrder: 1, ApproverUserID: f.bob.ID},
		},
	})

	_, err := f.engine.Complete(f.ctx, task.ID, f.alice.ID)
	require.NoError(t, err)
	_, err = f.engine.Approve(f.ctx, task.ID, f.bob.ID)
	require.NoError(t, err)

	_, err = f.engine.SetManualApprovers(f.ctx, task.ID, f.admin.ID, nil)
	assert.ErrorIs(t, err, ErrAlreadySubmitted)

	rejected, err := f.engine.Reject(f.ctx, task.ID, f.carol.ID, f.dave.ID)
	require.NoError(t, err)
	assert.Equal(t, f.dave.ID, *rejected.AssigneeID)
	assert.Empty(t, f.approvers(task.ID))

	_, err = f.engine.Complete(f.ctx, task.ID, f.dave.ID)
	assert.ErrorIs(t, err, ErrNoApproverPath)

	_, err = f.engine.SetManualApprovers(f.ctx, task.ID, f.dave.ID, []ManualApprover{{LevelOrder: 1, ApproverUserID: f.admin.ID}})
	require.NoError(t, err)

	res, err := f.engine.Complete(f.ctx, task.ID, f.dave.ID)
	require.NoError(t, err)
	require.Len(t, res.Approvers, 1)

	approved, err := f.engine.Approve(f.ctx, task.ID, f.admin.ID)
	require.NoError(t, err)
	assert.True(t, approved.IsComplete)
}

func TestRejectRequiresPendingRow(t *testing.T) {
	f := newFixture(t, EmptyRoundReject)
	task := f.createTask(CreateTaskRequest{
		ApprovalType:    repository.ApprovalTypeSpecific,
		AssigneeID:      &f.alice.ID,
		CreatedBy:       f.admin.ID,
		ManualApprovers: []ManualApprover{{LevelOrder: 1, ApproverUserID: f.bob.ID}},
	})

	_, err := f.engine.Reject(f.ctx, task.ID, f.bob.ID, "")
	assert.ErrorIs(t, err, ErrNoPendingApproval)

	_, err = f.engine.Complete(f.ctx, task.ID, f.alice.ID)
	require.NoError(t, err)

	_, err = f.engine.Reject(f.ctx, task.ID, f.carol.ID, "")
	assert.ErrorIs(t, err, ErrNoPendingApproval)

	_, err = f.engine.Reject(f.ctx, task.ID, f.bob.ID, "ghost")
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
	assert.Equal(t, repository.ApproverStatusPending, f.approvers(task.ID)[0].Status)
}

func TestEmptyPredefinedRoundPolicy(t *testing.T) {
	tests := []struct {
		policy     EmptyRoundPolicy
		wantErr    error
		wantStatus string
	}{
		{policy: EmptyRoundReject, wantErr: ErrNoApproverPath, wantStatus: repository.TaskStatusOpen},
		{policy: EmptyRoundAllow, wantStatus: repository.TaskStatusPendingApproval},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			f := newFixture(t, tt.policy)
			f.createTemplate("Heads only", `{}`,
				TemplateStageRequest{LevelOrder: 1, ApproverType: "dynamic_role", ApproverValue: "HOD"})
			task := f.createTask(CreateTaskRequest{
				ApprovalType: repository.ApprovalTypePredefined,
				AssigneeID:   &f.alice.ID,
				CreatedBy:    f.admin.ID,
			})

			res, err := f.engine.Complete(f.ctx, task.ID, f.alice.ID)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Empty(t, res.Approvers)
			}
			assert.Equal(t, tt.wantStatus, f.task(task.ID).Status)
			assert.Empty(t, f.approvers(task.ID))
		})
	}
}

func TestPredefinedTemplateFailures(t *testing.T) {
	f := newFixture(t, EmptyRoundReject)

	noMatch := f.createTask(CreateTaskRequest{
		ApprovalType: repository.ApprovalTypePredefined,
		AssigneeID:   &f.alice.ID,
		CreatedBy:    f.admin.ID,
	})
	_, err := f.engine.Complete(f.ctx, noMatch.ID, f.alice.ID)
	assert.ErrorIs(t, err, ErrNoMatchingTemplate)

	tpl := f.createTemplate("Explicit", `{}`,
		TemplateStageRequest{LevelOrder: 1, ApproverType: "user", ApproverValue: f.bob.ID})
	explicit := f.createTask(CreateTaskRequest{
		ApprovalType:       repository.ApprovalTypePredefined,
		ApprovalTemplateID: &tpl.ID,
		AssigneeID:         &f.alice.ID,
		CreatedBy:          f.admin.ID,
	})
	require.NoError(t, f.store.Repositories().Templates.Delete(f.ctx, tpl.ID))

	_, err = f.engine.Complete(f.ctx, explicit.ID, f.alice.ID)
	assert.ErrorIs(t, err, ErrTemplateMissing)
	assert.Equal(t, repository.TaskStatusOpen, f.task(explicit.ID).Status)
}

func TestUpdateStatus(t *testing.T) {
	f := newFixture(t, EmptyRoundReject)
	task := f.createTask(CreateTaskRequest{
		ApprovalType:    repository.ApprovalTypeSpecific,
		AssigneeID:      &f.alice.ID,
		CreatedBy:       f.admin.ID,
		ManualApprovers: []ManualApprover{{LevelOrder: 1, ApproverUserID: f.bob.ID}},
	})

	_, err := f.engine.UpdateStatus(f.ctx, task.ID, f.alice.ID, repository.TaskStatusApproved)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	_, err = f.engine.UpdateStatus(f.ctx, task.ID, f.bob.ID, repository.TaskStatusInProgress)
	assert.ErrorIs(t, err, ErrForbidden)

	updated, err := f.engine.UpdateStatus(f.ctx, task.ID, f.alice.ID, repository.TaskStatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, repository.TaskStatusInProgress, updated.Status)

	logs := f.activity(task.ID)
	require.NotEmpty(t, logs)
	assert.Equal(t, repository.ActionStatusChanged, logs[0].Action)
	assert.Equal(t, repository.TaskStatusOpen, *logs[0].OldValue)

	_, err = f.engine.Complete(f.ctx, task.ID, f.alice.ID)
	require.NoError(t, err)
	_, err = f.engine.UpdateStatus(f.ctx, task.ID, f.alice.ID, repository.TaskStatusOpen)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))
}

// failingActivityStore wraps a store so that every activity write fails.
type failingActivityStore struct {
	repository.Store
}

type failingActivity struct{ repository.ActivityLogStore }

func (failingActivity) Append(context.Context, *repository.ActivityLog) error {
	return stderrors.New("disk full")
}

func (s failingActivityStore) InTransaction(ctx context.Context, fn func(repos *repository.Repositories) error) error {
	return s.Store.InTransaction(ctx, func(repos *repository.Repositories) error {
		repos.Activity = failingActivity{repos.Activity}
		return fn(repos)
	})
}

func TestTransitionRolledBackWhenActivityWriteFails(t *testing.T) {
	f := newFixture(t, EmptyRoundReject)
	task := f.createTask(CreateTaskRequest{
		ApprovalType: repository.ApprovalType360,
		AssigneeID:   &f.alice.ID,
		CreatedBy:    f.admin.ID,
	})

	engine := NewApprovalEngine(failingActivityStore{f.store}, f.events, EmptyRoundReject, logger.Nop())
	_, err := engine.Forward(f.ctx, task.ID, f.alice.ID, f.bob.ID)
	require.Error(t, err)

	got := f.task(task.ID)
	assert.Equal(t, repository.TaskStatusOpen, got.Status)
	assert.Equal(t, f.alice.ID, *got.AssigneeID)
	nodes, err := f.store.Repositories().Nodes.ListByTask(f.ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, nodes)
	assert.NotEqual(t, EventForwarded, f.events.last().eventType)
}
