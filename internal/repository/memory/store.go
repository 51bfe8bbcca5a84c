// Package memory is an in-process implementation of repository.Store. It
// backs the server's development mode and the service and handler tests.
//
// A transaction holds the store-wide lock for its whole duration and works on
// the live data; a snapshot taken at the start is restored if fn fails.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-task-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-task-approvals/internal/repository"
)

// Store keeps every entity in maps guarded by one mutex.
type Store struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time
}

type state struct {
	seq         int64
	order       map[string]int64
	tasks       map[string]repository.Task
	nodes       []repository.TaskNode
	approvers   map[string]repository.TaskApprover
	templates   map[string]repository.ApprovalTemplate
	users       map[string]repository.User
	departments map[string]repository.Department
	activity    []repository.ActivityLog
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		st: &state{
			order:       map[string]int64{},
			tasks:       map[string]repository.Task{},
			approvers:   map[string]repository.TaskApprover{},
			templates:   map[string]repository.ApprovalTemplate{},
			users:       map[string]repository.User{},
			departments: map[string]repository.Department{},
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Repositories returns stores that take the lock per call.
func (s *Store) Repositories() *repository.Repositories {
	return s.repositories(&session{store: s})
}

// InTransaction runs fn under the store lock and rolls every write back when
// fn returns an error or panics.
func (s *Store) InTransaction(ctx context.Context, fn func(repos *repository.Repositories) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	defer func() {
		if p := recover(); p != nil {
			s.st = snapshot
			panic(p)
		}
		if err != nil {
			s.st = snapshot
		}
	}()
	return fn(s.repositories(&session{store: s, inTx: true}))
}

func (s *Store) repositories(sess *session) *repository.Repositories {
	return &repository.Repositories{
		Tasks:     &taskStore{sess},
		Nodes:     &nodeStore{sess},
		Approvers: &approverStore{sess},
		Templates: &templateStore{sess},
		Directory: &directoryStore{sess},
		Activity:  &activityStore{sess},
	}
}

// AddDepartment seeds a department and returns it with its id filled.
func (s *Store) AddDepartment(d repository.Department) repository.Department {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	s.st.departments[d.ID] = d
	s.st.touch(d.ID)
	return d
}

// AddUser seeds a user and returns it with its id filled. Users added later
// sort after earlier ones when their creation times tie.
func (s *Store) AddUser(u repository.User) repository.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}
	if u.Role == "" {
		u.Role = repository.RoleEmployee
	}
	s.st.users[u.ID] = u
	s.st.touch(u.ID)
	return u
}

// session binds repositories to the store, taking the lock per call unless
// they run inside InTransaction.
type session struct {
	store *Store
	inTx  bool
}

func (s *session) with(fn func(st *state, now time.Time) error) error {
	if !s.inTx {
		s.store.mu.Lock()
		defer s.store.mu.Unlock()
	}
	return fn(s.store.st, s.store.now())
}

func (st *state) touch(id string) {
	st.seq++
	st.order[id] = st.seq
}

func (st *state) clone() *state {
	cp := &state{
		seq:         st.seq,
		order:       make(map[string]int64, len(st.order)),
		tasks:       make(map[string]repository.Task, len(st.tasks)),
		nodes:       append([]repository.TaskNode(nil), st.nodes...),
		approvers:   make(map[string]repository.TaskApprover, len(st.approvers)),
		templates:   make(map[string]repository.ApprovalTemplate, len(st.templates)),
		users:       make(map[string]repository.User, len(st.users)),
		departments: make(map[string]repository.Department, len(st.departments)),
		activity:    append([]repository.ActivityLog(nil), st.activity...),
	}
	for k, v := range st.order {
		cp.order[k] = v
	}
	for k, v := range st.tasks {
		cp.tasks[k] = v
	}
	for k, v := range st.approvers {
		cp.approvers[k] = v
	}
	for k, v := range st.templates {
		v.Stages = append([]repository.ApprovalTemplateStage(nil), v.Stages...)
		cp.templates[k] = v
	}
	for k, v := range st.users {
		cp.users[k] = v
	}
	for k, v := range st.departments {
		cp.departments[k] = v
	}
	return cp
}

// ── tasks ────────────────────────────────────────────────────────────────────

type taskStore struct{ s *session }

func (r *taskStore) Create(ctx context.Context, task *repository.Task) error {
	return r.s.with(func(st *state, now time.Time) error {
		task.ID = uuid.NewString()
		task.CreatedAt = now
		task.UpdatedAt = now
		st.tasks[task.ID] = *task
		st.touch(task.ID)
		return nil
	})
}

func (r *taskStore) GetByID(ctx context.Context, id string) (*repository.Task, error) {
	var out *repository.Task
	err := r.s.with(func(st *state, _ time.Time) error {
		t, ok := st.tasks[id]
		if !ok {
			return errors.NotFound("task", id)
		}
		out = &t
		return nil
	})
	return out, err
}

// GetForUpdate is GetByID; the transaction already holds the store lock.
func (r *taskStore) GetForUpdate(ctx context.Context, id string) (*repository.Task, error) {
	return r.GetByID(ctx, id)
}

func (r *taskStore) List(ctx context.Context, filter repository.TaskFilter) ([]*repository.Task, error) {
	var out []*repository.Task
	err := r.s.with(func(st *state, _ time.Time) error {
		for _, t := range st.tasks {
			if filter.Status != nil && t.Status != *filter.Status {
				continue
			}
			if filter.AssigneeID != nil && !t.IsAssignee(*filter.AssigneeID) {
				continue
			}
			if filter.CreatorID != nil && t.CreatorID != *filter.CreatorID {
				continue
			}
			t := t
			out = append(out, &t)
		}
		sort.Slice(out, func(i, j int) bool {
			return st.order[out[i].ID] > st.order[out[j].ID]
		})
		return nil
	})
	return out, err
}

func (r *taskStore) Update(ctx context.Context, task *repository.Task) error {
	return r.s.with(func(st *state, now time.Time) error {
		existing, ok := st.tasks[task.ID]
		if !ok {
			return errors.NotFound("task", task.ID)
		}
		task.CreatorID = existing.CreatorID
		task.ApprovalType = existing.ApprovalType
		task.CreatedAt = existing.CreatedAt
		task.UpdatedAt = now
		st.tasks[task.ID] = *task
		return nil
	})
}

func (r *taskStore) CountByTemplate(ctx context.Context, templateID string) (int, error) {
	var n int
	err := r.s.with(func(st *state, _ time.Time) error {
		for _, t := range st.tasks {
			if t.ApprovalTemplateID != nil && *t.ApprovalTemplateID == templateID {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r *taskStore) CountInFlightByTemplate(ctx context.Context, templateID string) (int, error) {
	var n int
	err := r.s.with(func(st *state, _ time.Time) error {
		for _, t := range st.tasks {
			if t.ApprovalTemplateID == nil || *t.ApprovalTemplateID != templateID {
				continue
			}
			if t.Status != repository.TaskStatusApproved && t.Status != repository.TaskStatusCompleted {
				n++
			}
		}
		return nil
	})
	return n, err
}

// ── forwarding ledger ────────────────────────────────────────────────────────

type nodeStore struct{ s *session }

func (r *nodeStore) Append(ctx context.Context, node *repository.TaskNode) error {
	return r.s.with(func(st *state, now time.Time) error {
		node.ID = uuid.NewString()
		node.ForwardedAt = now
		st.nodes = append(st.nodes, *node)
		st.touch(node.ID)
		return nil
	})
}

// ListByTask relies on st.nodes being kept in append order.
func (r *nodeStore) ListByTask(ctx context.Context, taskID string) ([]*repository.TaskNode, error) {
	var out []*repository.TaskNode
	err := r.s.with(func(st *state, _ time.Time) error {
		for _, n := range st.nodes {
			if n.TaskID == taskID {
				n := n
				out = append(out, &n)
			}
		}
		return nil
	})
	return out, err
}

func (r *nodeStore) ListByFromUser(ctx context.Context, userID string) ([]*repository.TaskNode, error) {
	var out []*repository.TaskNode
	err := r.s.with(func(st *state, _ time.Time) error {
		for i := len(st.nodes) - 1; i >= 0; i-- {
			if n := st.nodes[i]; n.FromUserID == userID {
				out = append(out, &n)
			}
		}
		return nil
	})
	return out, err
}

// ── approval rounds ──────────────────────────────────────────────────────────

type approverStore struct{ s *session }

func (r *approverStore) CreateMany(ctx context.Context, approvers []*repository.TaskApprover) error {
	return r.s.with(func(st *state, now time.Time) error {
		for _, a := range approvers {
			for _, existing := range st.approvers {
				if existing.TaskID == a.TaskID && existing.LevelOrder == a.LevelOrder {
					return errors.New(errors.ErrCodeConflict, "approval level already exists for task")
				}
			}
			a.ID = uuid.NewString()
			a.CreatedAt = now
			if a.Status == "" {
				a.Status = repository.ApproverStatusPending
			}
			st.approvers[a.ID] = *a
			st.touch(a.ID)
		}
		return nil
	})
}

func (r *approverStore) ListByTask(ctx context.Context, taskID string) ([]*repository.TaskApprover, error) {
	var out []*repository.TaskApprover
	err := r.s.with(func(st *state, _ time.Time) error {
		for _, a := range st.approvers {
			if a.TaskID == taskID {
				a := a
				out = append(out, &a)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].LevelOrder < out[j].LevelOrder })
		return nil
	})
	return out, err
}

func (r *approverStore) ListByApprover(ctx context.Context, userID string, pendingOnly bool) ([]*repository.TaskApprover, error) {
	var out []*repository.TaskApprover
	err := r.s.with(func(st *state, _ time.Time) error {
		for _, a := range st.approvers {
			if a.ApproverUserID != userID {
				continue
			}
			if pendingOnly && a.Status != repository.ApproverStatusPending {
				continue
			}
			a := a
			out = append(out, &a)
		}
		sort.Slice(out, func(i, j int) bool {
			return st.order[out[i].ID] > st.order[out[j].ID]
		})
		return nil
	})
	return out, err
}

func (r *approverStore) UpdateAction(ctx context.Context, id, status string, actionAt time.Time) error {
	return r.s.with(func(st *state, _ time.Time) error {
		a, ok := st.approvers[id]
		if !ok {
			return errors.NotFound("task_approver", id)
		}
		a.Status = status
		a.ActionAt = &actionAt
		st.approvers[id] = a
		return nil
	})
}

func (r *approverStore) DeleteByTask(ctx context.Context, taskID string) (int64, error) {
	var n int64
	err := r.s.with(func(st *state, _ time.Time) error {
		for id, a := range st.approvers {
			if a.TaskID == taskID {
				delete(st.approvers, id)
				delete(st.order, id)
				n++
			}
		}
		return nil
	})
	return n, err
}

// ── templates ────────────────────────────────────────────────────────────────

type templateStore struct{ s *session }

func (r *templateStore) Create(ctx context.Context, t *repository.ApprovalTemplate) error {
	return r.s.with(func(st *state, now time.Time) error {
		t.ID = uuid.NewString()
		t.CreatedAt = now
		t.UpdatedAt = now
		assignStageIDs(t)
		repository.ParseTemplateCondition(t)
		st.templates[t.ID] = copyTemplate(*t)
		st.touch(t.ID)
		return nil
	})
}

func (r *templateStore) GetByID(ctx context.Context, id string) (*repository.ApprovalTemplate, error) {
	var out *repository.ApprovalTemplate
	err := r.s.with(func(st *state, _ time.Time) error {
		t, ok := st.templates[id]
		if !ok {
			return errors.NotFound("approval_template", id)
		}
		cp := copyTemplate(t)
		out = &cp
		return nil
	})
	return out, err
}

func (r *templateStore) List(ctx context.Context, activeOnly bool) ([]*repository.ApprovalTemplate, error) {
	var out []*repository.ApprovalTemplate
	err := r.s.with(func(st *state, _ time.Time) error {
		for _, t := range st.templates {
			if activeOnly && !t.IsActive {
				continue
			}
			cp := copyTemplate(t)
			out = append(out, &cp)
		}
		sort.Slice(out, func(i, j int) bool {
			return st.order[out[i].ID] > st.order[out[j].ID]
		})
		return nil
	})
	return out, err
}

func (r *templateStore) Update(ctx context.Context, t *repository.ApprovalTemplate, replaceStages bool) error {
	return r.s.with(func(st *state, now time.Time) error {
		existing, ok := st.templates[t.ID]
		if !ok {
			return errors.NotFound("approval_template", t.ID)
		}
		existing.Name = t.Name
		existing.ConditionJSON = t.ConditionJSON
		existing.IsActive = t.IsActive
		existing.UpdatedAt = now
		if replaceStages {
			assignStageIDs(t)
			existing.Stages = t.Stages
		}
		repository.ParseTemplateCondition(&existing)
		st.templates[t.ID] = copyTemplate(existing)
		*t = copyTemplate(existing)
		return nil
	})
}

func (r *templateStore) Delete(ctx context.Context, id string) error {
	return r.s.with(func(st *state, _ time.Time) error {
		if _, ok := st.templates[id]; !ok {
			return errors.NotFound("approval_template", id)
		}
		delete(st.templates, id)
		delete(st.order, id)
		return nil
	})
}

func assignStageIDs(t *repository.ApprovalTemplate) {
	for i := range t.Stages {
		if t.Stages[i].ID == "" {
			t.Stages[i].ID = uuid.NewString()
		}
		t.Stages[i].TemplateID = t.ID
	}
}

func copyTemplate(t repository.ApprovalTemplate) repository.ApprovalTemplate {
	stages := make([]repository.ApprovalTemplateStage, len(t.Stages))
	copy(stages, t.Stages)
	sort.SliceStable(stages, func(i, j int) bool { return stages[i].LevelOrder < stages[j].LevelOrder })
	t.Stages = stages
	return t
}

// ── directory ────────────────────────────────────────────────────────────────

type directoryStore struct{ s *session }

func (r *directoryStore) GetUser(ctx context.Context, id string) (*repository.User, error) {
	var out *repository.User
	err := r.s.with(func(st *state, _ time.Time) error {
		u, ok := st.users[id]
		if !ok {
			return errors.NotFound("user", id)
		}
		out = &u
		return nil
	})
	return out, err
}

func (r *directoryStore) FirstActiveUserWithRole(ctx context.Context, role string, departmentID *string) (*repository.User, error) {
	var out *repository.User
	err := r.s.with(func(st *state, _ time.Time) error {
		for _, u := range st.users {
			if u.Role != role || !u.Active {
				continue
			}
			if departmentID != nil && (u.DepartmentID == nil || *u.DepartmentID != *departmentID) {
				continue
			}
			if out == nil || earlier(st, u, *out) {
				u := u
				out = &u
			}
		}
		return nil
	})
	return out, err
}

func earlier(st *state, a, b repository.User) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return st.order[a.ID] < st.order[b.ID]
}

func (r *directoryStore) GetDepartment(ctx context.Context, id string) (*repository.Department, error) {
	var out *repository.Department
	err := r.s.with(func(st *state, _ time.Time) error {
		d, ok := st.departments[id]
		if !ok {
			return errors.NotFound("department", id)
		}
		out = &d
		return nil
	})
	return out, err
}

// ── activity ─────────────────────────────────────────────────────────────────

type activityStore struct{ s *session }

func (r *activityStore) Append(ctx context.Context, entry *repository.ActivityLog) error {
	return r.s.with(func(st *state, now time.Time) error {
		if _, ok := st.tasks[entry.TaskID]; !ok {
			return errors.NotFound("task", entry.TaskID)
		}
		entry.ID = uuid.NewString()
		entry.CreatedAt = now
		st.activity = append(st.activity, *entry)
		return nil
	})
}

func (r *activityStore) ListByTask(ctx context.Context, taskID string) ([]*repository.ActivityLog, error) {
	var out []*repository.ActivityLog
	err := r.s.with(func(st *state, _ time.Time) error {
		for i := len(st.activity) - 1; i >= 0; i-- {
			if e := st.activity[i]; e.TaskID == taskID {
				out = append(out, &e)
			}
		}
		return nil
	})
	return out, err
}
