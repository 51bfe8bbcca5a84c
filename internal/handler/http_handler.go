package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/pesio-ai/be-task-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-task-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-task-approvals/internal/platform/middleware"
	"github.com/pesio-ai/be-task-approvals/internal/repository"
	"github.com/pesio-ai/be-task-approvals/internal/service"
)

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	engine    *service.ApprovalEngine
	tasks     *service.TaskService
	templates *service.TemplateService
	log       *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	engine *service.ApprovalEngine,
	tasks *service.TaskService,
	templates *service.TemplateService,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		engine:    engine,
		tasks:     tasks,
		templates: templates,
		log:       log,
	}
}

// Register mounts all routes on r.
func (h *HTTPHandler) Register(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/tasks", h.CreateTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks", h.ListTasks).Methods(http.MethodGet)
	api.HandleFunc("/tasks/waiting-on", h.WaitingOn).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}", h.GetTask).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}", h.UpdateTask).Methods(http.MethodPatch)
	api.HandleFunc("/tasks/{id}/forward", h.Forward).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/complete", h.Complete).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/approve", h.Approve).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/reject", h.Reject).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/approvers", h.SetApprovers).Methods(http.MethodPut)
	api.HandleFunc("/tasks/{id}/status", h.UpdateStatus).Methods(http.MethodPatch)
	api.HandleFunc("/tasks/{id}/activity", h.Activity).Methods(http.MethodGet)

	api.HandleFunc("/approvals", h.ApprovalBucket).Methods(http.MethodGet)

	api.HandleFunc("/approval-templates", h.ListTemplates).Methods(http.MethodGet)
	api.HandleFunc("/approval-templates", h.CreateTemplate).Methods(http.MethodPost)
	api.HandleFunc("/approval-templates/{id}", h.GetTemplate).Methods(http.MethodGet)
	api.HandleFunc("/approval-templates/{id}", h.UpdateTemplate).Methods(http.MethodPut)
	api.HandleFunc("/approval-templates/{id}", h.DeleteTemplate).Methods(http.MethodDelete)
}

// Health reports liveness.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ── Tasks ─────────────────────────────────────────────────────────────────────

// CreateTask handles create task HTTP requests
func (h *HTTPHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req service.CreateTaskRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.CreatedBy = actor

	detail, err := h.tasks.CreateTask(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, detail)
}

// ListTasks handles list tasks HTTP requests
func (h *HTTPHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.TaskFilter{
		Status:     optional(q.Get("status")),
		AssigneeID: optional(q.Get("assignee_id")),
		CreatorID:  optional(q.Get("creator_id")),
	}

	tasks, err := h.tasks.ListTasks(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": nonNil(tasks),
		"total": len(tasks),
	})
}

// GetTask handles get task HTTP requests
func (h *HTTPHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	detail, err := h.tasks.GetTask(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, detail)
}

// UpdateTask handles edit task HTTP requests
func (h *HTTPHandler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req service.UpdateTaskRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.ID = mux.Vars(r)["id"]
	req.UpdatedBy = actor

	task, err := h.tasks.UpdateTask(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, task)
}

// WaitingOn lists hand-offs the actor made that are still outstanding.
func (h *HTTPHandler) WaitingOn(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	items, err := h.tasks.WaitingOn(r.Context(), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// Activity returns a task's activity log.
func (h *HTTPHandler) Activity(w http.ResponseWriter, r *http.Request) {
	logs, err := h.tasks.Activity(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"activity": nonNil(logs)})
}

// ── Approval engine ───────────────────────────────────────────────────────────

// Forward handles forward HTTP requests
func (h *HTTPHandler) Forward(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req struct {
		ToUserID string `json:"toUserId"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.engine.Forward(r.Context(), mux.Vars(r)["id"], actor, req.ToUserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// Complete handles complete HTTP requests
func (h *HTTPHandler) Complete(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	res, err := h.engine.Complete(r.Context(), mux.Vars(r)["id"], actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "Task submitted for approval",
		"task":      res.Task,
		"approvers": nonNil(res.Approvers),
	})
}

// Approve handles approve HTTP requests
func (h *HTTPHandler) Approve(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	res, err := h.engine.Approve(r.Context(), mux.Vars(r)["id"], actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	message := "Task approved at your level"
	if res.IsComplete {
		message = "Task fully approved"
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":    message,
		"task":       res.Task,
		"isComplete": res.IsComplete,
	})
}

// Reject handles reject HTTP requests
func (h *HTTPHandler) Reject(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req struct {
		ForwardTo string `json:"forwardTo"`
	}
	if !h.decodeOptional(w, r, &req) {
		return
	}

	task, err := h.engine.Reject(r.Context(), mux.Vars(r)["id"], actor, req.ForwardTo)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Task rejected",
		"task":    task,
	})
}

// SetApprovers replaces the manual approvers of a specific task.
func (h *HTTPHandler) SetApprovers(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req struct {
		Approvers []service.ManualApprover `json:"approvers"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	rows, err := h.engine.SetManualApprovers(r.Context(), mux.Vars(r)["id"], actor, req.Approvers)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"approvers": nonNil(rows)})
}

// UpdateStatus handles status override HTTP requests
func (h *HTTPHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	task, err := h.engine.UpdateStatus(r.Context(), mux.Vars(r)["id"], actor, req.Status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, task)
}

// ApprovalBucket lists the actor's approval rows.
func (h *HTTPHandler) ApprovalBucket(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	items, err := h.tasks.ApprovalBucket(r.Context(), actor, all)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// ── Templates ─────────────────────────────────────────────────────────────────

// templateBody accepts conditionJson either as an object or as a JSON string.
type templateBody struct {
	Name          *string                         `json:"name"`
	ConditionJSON json.RawMessage                 `json:"conditionJson"`
	IsActive      *bool                           `json:"isActive"`
	Stages        *[]service.TemplateStageRequest `json:"stages"`
}

func (b *templateBody) condition() (*string, error) {
	raw := bytes.TrimSpace(b.ConditionJSON)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, errors.InvalidInput("conditionJson", "invalid conditionJson format")
		}
		return &s, nil
	}
	s := string(raw)
	return &s, nil
}

// CreateTemplate handles create template HTTP requests
func (h *HTTPHandler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var body templateBody
	if !h.decode(w, r, &body) {
		return
	}
	cond, err := body.condition()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	req := &service.CreateTemplateRequest{IsActive: body.IsActive}
	if body.Name != nil {
		req.Name = *body.Name
	}
	if cond != nil {
		req.ConditionJSON = *cond
	}
	if body.Stages != nil {
		req.Stages = *body.Stages
	}

	t, err := h.templates.CreateTemplate(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, t)
}

// ListTemplates handles list template HTTP requests
func (h *HTTPHandler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	templates, err := h.templates.ListTemplates(r.Context(), activeOnly)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"templates": nonNil(templates)})
}

// GetTemplate handles get template HTTP requests
func (h *HTTPHandler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := h.templates.GetTemplate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

// UpdateTemplate handles update template HTTP requests
func (h *HTTPHandler) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	var body templateBody
	if !h.decode(w, r, &body) {
		return
	}
	cond, err := body.condition()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	t, err := h.templates.UpdateTemplate(r.Context(), &service.UpdateTemplateRequest{
		ID:            mux.Vars(r)["id"],
		Name:          body.Name,
		ConditionJSON: cond,
		IsActive:      body.IsActive,
		Stages:        body.Stages,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

// DeleteTemplate handles delete template HTTP requests
func (h *HTTPHandler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := h.templates.DeleteTemplate(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── helpers ───────────────────────────────────────────────────────────────────

type errorBody struct {
	Code    errors.Code `json:"code"`
	Reason  string      `json:"reason,omitempty"`
	Message string      `json:"message"`
	Field   string      `json:"field,omitempty"`
}

func (h *HTTPHandler) actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := middleware.GetActor(r.Context())
	if id == "" {
		h.writeError(w, r, errors.New(errors.ErrCodeUnauthorized, "missing "+middleware.ActorHeader+" header"))
		return "", false
	}
	return id, true
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, r, errors.New(errors.ErrCodeInvalidInput, "Invalid request body"))
		return false
	}
	return true
}

// decodeOptional tolerates an empty body.
func (h *HTTPHandler) decodeOptional(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	return h.decode(w, r, v)
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	body := errorBody{Code: errors.CodeOf(err), Reason: errors.ReasonOf(err), Message: err.Error()}

	var appErr *errors.Error
	if errors.As(err, &appErr) {
		body.Message = appErr.Message
		body.Field = appErr.Field
	}
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("request_id", middleware.GetRequestID(r.Context())).
			Str("path", r.URL.Path).
			Msg("Request failed")
		body.Message = "Internal server error"
	}
	h.writeJSON(w, status, map[string]errorBody{"error": body})
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nonNil keeps empty lists rendering as [] instead of null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
