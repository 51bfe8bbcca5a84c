package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-task-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-task-approvals/internal/repository"
)

func TestCreateTemplate(t *testing.T) {
	f := newFixture(t, EmptyRoundReject)

	tpl, err := f.templates.CreateTemplate(f.ctx, &CreateTemplateRequest{
		Name:          " Finance ",
		ConditionJSON: `{ "amount_min": 5e4, "note": "ignored" }`,
		Stages: []TemplateStageRequest{
			{LevelOrder: 2, ApproverType: "dynamic_role", ApproverValue: "CFO"},
			{LevelOrder: 1, ApproverType: "role", ApproverValue: " hod "},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Finance", tpl.Name)
	assert.Equal(t, `{"amount_min":50000}`, tpl.ConditionJSON)
	assert.True(t, tpl.IsActive)
	require.Len(t, tpl.Stages, 2)

	got, err := f.templates.GetTemplate(f.ctx, tpl.ID)
	require.NoError(t, err)
	require.Len(t, got.Stages, 2)
	assert.Equal(t, "hod", got.Stages[0].ApproverValue)
	assert.Equal(t, tpl.ID, got.Stages[0].TemplateID)
	require.NotNil(t, got.Condition)
	assert.Equal(t, 50000.0, *got.Condition.AmountMin)
	assert.Nil(t, got.Condition.Department)
}

func TestCreateTemplateValidation(t *testing.T) {
	f := newFixture(t, EmptyRoundReject)
	stage := TemplateStageRequest{LevelOrder: 1, ApproverType: "user", ApproverValue: f.bob.ID}

	tests := []struct {
		name string
		req  CreateTemplateRequest
	}{
		{name: "blank name", req: CreateTemplateRequest{Name: " ", Stages: []TemplateStageRequest{stage}}},
		{name: "condition not an object", req: CreateTemplateRequest{Name: "x", ConditionJSON: `["Accounts"]`}},
		{name: "condition wrong type", req: CreateTemplateRequest{Name: "x", ConditionJSON: `{"amount_min":"many"}`}},
		{name: "zero level", req: CreateTemplateRequest{Name: "x", Stages: []TemplateStageRequest{{ApproverType: "user", ApproverValue: "u"}}}},
		{name: "duplicate level", req: CreateTemplateRequest{Name: "x", Stages: []TemplateStageRequest{stage, stage}}},
		{name: "unknown approver type", req: CreateTemplateRequest{Name: "x", Stages: []TemplateStageRequest{{LevelOrder: 1, ApproverType: "group", ApproverValue: "g"}}}},
		{name: "blank approver value", req: CreateTemplateRequest{Name: "x", Stages: []TemplateStageRequest{{LevelOrder: 1, ApproverType: "role"}}}},
		{name: "unknown user", req: CreateTemplateRequest{Name: "x", Stages: []TemplateStageRequest{{LevelOrder: 1, ApproverType: "user", ApproverValue: "ghost"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			_, err := f.templates.CreateTemplate(f.ctx, &req)
			assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
		})
	}

	list, err := f.templates.ListTemplates(f.ctx, false)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestUpdateTemplate(t *testing.T) {
	f := newFixture(t, EmptyRoundReject)
	tpl := f.createTemplate("Accounts", `{"department":"Accounts"}`,
		TemplateStageRequest{LevelOrder: 1, ApproverType: "dynamic_role", ApproverValue: "HOD"})

	// header-only update keeps the stages
	updated, err := f.templates.UpdateTemplate(f.ctx, &UpdateTemplateRequest{
		ID:       tpl.ID,
		IsActive: ptr(false),
	})
	require.NoError(t, err)
	assert.False(t, updated.IsActive)
	require.Len(t, updated.Stages, 1)

	active, err := f.templates.ListTemplates(f.ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)

	stages := []TemplateStageRequest{
		{LevelOrder: 1, ApproverType: "user", ApproverValue: f.bob.ID},
		{LevelOrder: 2, ApproverType: "dynamic_role", ApproverValue: "CFO"},
	}
	updated, err = f.templates.UpdateTemplate(f.ctx, &UpdateTemplateRequest{
		ID:            tpl.ID,
		Name:          ptr("Accounts v2"),
		ConditionJSON: ptr(`{"department":"Accounts","amount_min":10}`),
		Stages:        &stages,
	})
	require.NoError(t, err)
	assert.Equal(t, "Accounts v2", updated.Name)
	require.Len(t, updated.Stages, 2)
	assert.Equal(t, repository.ApproverTypeUser, updated.Stages[0].ApproverType)

	got, err := f.templates.GetTemplate(f.ctx, tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, `{"department":"Accounts","amount_min":10}`, got.ConditionJSON)
	assert.Equal(t, 10.0, *got.Condition.AmountMin)
	assert.Len(t, got.Stages, 2)

	_, err = f.templates.UpdateTemplate(f.ctx, &UpdateTemplateRequest{ID: tpl.ID, ConditionJSON: ptr("nope")})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	_, err = f.templates.UpdateTemplate(f.ctx, &UpdateTemplateRequest{ID: "missing", Name: ptr("x")})
	assert.True(t, errors.IsNotFound(err))
}

func TestUpdateTemplateFrozenWhileTaskUnfinished(t *testing.T) {
	f := newFixture(t, EmptyRoundReject)
	tpl := f.createTemplate("Sales sign-off", `{"department":"Sales"}`,
		TemplateStageRequest{LevelOrder: 1, ApproverType: "user", ApproverValue: f.dave.ID})
	task := f.createTask(CreateTaskRequest{
		ApprovalType:       repository.ApprovalTypePredefined,
		ApprovalTemplateID: &tpl.ID,
		AssigneeID:         &f.alice.ID,
		CreatedBy:          f.admin.ID,
	})
	_, err := f.engine.Forward(f.ctx, task.ID, f.alice.ID, f.bob.ID)
	require.NoError(t, err)

	replacement := []TemplateStageRequest{{LevelOrder: 1, ApproverType: "user", ApproverValue: f.carol.ID}}
	_, err = f.templates.UpdateTemplate(f.ctx, &UpdateTemplateRequest{ID: tpl.ID, Stages: &replacement})
	assert.ErrorIs(t, err, ErrTemplateInUse)
	_, err = f.templates.UpdateTemplate(f.ctx, &UpdateTemplateRequest{ID: tpl.ID, ConditionJSON: ptr(`{}`)})
	assert.ErrorIs(t, err, ErrTemplateInUse)

	renamed, err := f.templates.UpdateTemplate(f.ctx, &UpdateTemplateRequest{ID: tpl.ID, Name: ptr("Sales approval")})
	require.NoError(t, err)
	assert.Equal(t, "Sales approval", renamed.Name)

	got, err := f.templates.GetTemplate(f.ctx, tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, `{"department":"Sales"}`, got.ConditionJSON)
	require.Len(t, got.Stages, 1)
	assert.Equal(t, f.dave.ID, got.Stages[0].ApproverValue)

	_, err = f.engine.Complete(f.ctx, task.ID, f.bob.ID)
	require.NoError(t, err)
	rows := f.approvers(task.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, f.dave.ID, rows[0].ApproverUserID)

	_, err = f.engine.Approve(f.ctx, task.ID, f.dave.ID)
	require.NoError(t, err)

	// approved tasks no longer hold the template
	updated, err := f.templates.UpdateTemplate(f.ctx, &UpdateTemplateRequest{ID: tpl.ID, Stages: &replacement})
	require.NoError(t, err)
	assert.Equal(t, f.carol.ID, updated.Stages[0].ApproverValue)

	unknown := []TemplateStageRequest{{LevelOrder: 1, ApproverType: "user", ApproverValue: "ghost"}}
	_, err = f.templates.UpdateTemplate(f.ctx, &UpdateTemplateRequest{ID: tpl.ID, Stages: &unknown})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
}

func TestDeleteTemplate(t *testing.T) {
	f := newFixture(t, EmptyRoundReject)
	used := f.createTemplate("Used", `{}`,
		TemplateStageRequest{LevelOrder: 1, ApproverType: "user", ApproverValue: f.bob.ID})
	unused := f.createTemplate("Unused", `{}`,
		TemplateStageRequest{LevelOrder: 1, ApproverType: "user", ApproverValue: f.bob.ID})
	f.createTask(CreateTaskRequest{
		ApprovalType:       repository.ApprovalTypePredefined,
		ApprovalTemplateID: &used.ID,
		CreatedBy:          f.admin.ID,
	})

	err := f.templates.DeleteTemplate(f.ctx, used.ID)
	assert.ErrorIs(t, err, ErrTemplateInUse)

	require.NoError(t, f.templates.DeleteTemplate(f.ctx, unused.ID))
	_, err = f.templates.GetTemplate(f.ctx, unused.ID)
	assert.True(t, errors.IsNotFound(err))

	err = f.templates.DeleteTemplate(f.ctx, unused.ID)
	assert.True(t, errors.IsNotFound(err))
}
