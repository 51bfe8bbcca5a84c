package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-task-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-task-approvals/internal/repository"
	"github.com/pesio-ai/be-task-approvals/internal/repository/memory"
)

type publishedEvent struct {
	eventType  string
	taskID     string
	actorID    string
	recipients []string
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) PublishTaskEvent(_ context.Context, eventType, taskID, actorID string, recipients []string, _ map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{eventType, taskID, actorID, recipients})
}

func (p *recordingPublisher) last() publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return publishedEvent{}
	}
	return p.events[len(p.events)-1]
}

type fixture struct {
	t         *testing.T
	ctx       context.Context
	store     *memory.Store
	engine    *ApprovalEngine
	tasks     *TaskService
	templates *TemplateService
	events    *recordingPublisher

	accounts repository.Department
	sales    repository.Department

	admin, alice, bob, carol, dave repository.User
	hod, cfo                       repository.User
}

func newFixture(t *testing.T, policy EmptyRoundPolicy) *fixture {
	t.Helper()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := memory.New()
	events := &recordingPublisher{}
	log := logger.Nop()

	f := &fixture{
		t:         t,
		ctx:       context.Background(),
		store:     store,
		engine:    NewApprovalEngine(store, events, policy, log),
		tasks:     NewTaskService(store, log),
		templates: NewTemplateService(store, log),
		events:    events,
	}
	f.accounts = store.AddDepartment(repository.Department{Name: "Accounts"})
	f.sales = store.AddDepartment(repository.Department{Name: "Sales"})

	user := func(name, role string, dept *string, offset time.Duration) repository.User {
		return store.AddUser(repository.User{
			Name:         name,
			Email:        name + "@example.com",
			Role:         role,
			DepartmentID: dept,
			Active:       true,
			CreatedAt:    base.Add(offset),
		})
	}
	f.admin = user("Admin", repository.RoleAdmin, nil, 0)
	f.alice = user("Alice", repository.RoleEmployee, &f.accounts.ID, time.Minute)
	f.bob = user("Bob", repository.RoleEmployee, &f.accounts.ID, 2*time.Minute)
	f.carol = user("Carol", repository.RoleEmployee, &f.sales.ID, 3*time.Minute)
	f.dave = user("Dave", repository.RoleEmployee, &f.sales.ID, 4*time.Minute)
	f.hod = user("Hank", repository.RoleHOD, &f.accounts.ID, 5*time.Minute)
	f.cfo = user("Cleo", repository.RoleCFO, nil, 6*time.Minute)
	return f
}

func (f *fixture) createTask(req CreateTaskRequest) *repository.Task {
	f.t.Helper()
	if req.Title == "" {
		req.Title = "Quarterly report"
	}
	detail, err := f.tasks.CreateTask(f.ctx, &req)
	require.NoError(f.t, err)
	return detail.Task
}

func (f *fixture) createTemplate(name, condition string, stages ...TemplateStageRequest) *repository.ApprovalTemplate {
	f.t.Helper()
	tpl, err := f.templates.CreateTemplate(f.ctx, &CreateTemplateRequest{
		Name:          name,
		ConditionJSON: condition,
		Stages:        stages,
	})
	require.NoError(f.t, err)
	return tpl
}

func (f *fixture) task(id string) *repository.Task {
	f.t.Helper()
	t, err := f.store.Repositories().Tasks.GetByID(f.ctx, id)
	require.NoError(f.t, err)
	return t
}

func (f *fixture) approvers(id string) []*repository.TaskApprover {
	f.t.Helper()
	rows, err := f.store.Repositories().Approvers.ListByTask(f.ctx, id)
	require.NoError(f.t, err)
	return rows
}

func (f *fixture) activity(id string) []*repository.ActivityLog {
	f.t.Helper()
	logs, err := f.store.Repositories().Activity.ListByTask(f.ctx, id)
	require.NoError(f.t, err)
	return logs
}

func ptr[T any](v T) *T { return &v }
