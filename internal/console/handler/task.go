package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator/internal/engine"
)

type TaskService interface {
	ExecuteTask(ctx context.Context, req engine.TaskRequest, requireApproval *bool) *engine.TaskOutcome
	ExecuteFunction(ctx context.Context, agentName, functionName string, params map[string]any, override *bool) domain.ActionResult
	GetTask(id string) (domain.Task, error)
}

type TaskHandler struct {
	service TaskService
}

func NewTaskHandler(s TaskService) *TaskHandler {
	return &TaskHandler{service: s}
}

type SubmitTaskRequest struct {
	ID                   string         `json:"task_id"`
	Type                 string         `json:"task_type"`
	Parameters           map[string]any `json:"parameters"`
	RequiredCapabilities []string       `json:"required_capabilities"`
	Priority             string         `json:"priority"`
	RequireApproval      *bool          `json:"require_approval"`
}

// Submit — POST /v1/tasks. Ответ синхронный: итог задачи или статус шлюза.
func (h *TaskHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "task_type is required", http.StatusBadRequest)
		return
	}
	prio := domain.PriorityMedium
	if req.Priority != "" {
		p, err := domain.ParsePriority(req.Priority)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		prio = p
	}

	out := h.service.ExecuteTask(r.Context(), engine.TaskRequest{
		ID:                   req.ID,
		Type:                 req.Type,
		Parameters:           req.Parameters,
		RequiredCapabilities: req.RequiredCapabilities,
		Priority:             prio,
	}, req.RequireApproval)

	status := http.StatusOK
	switch domain.ActionStatus(out.Status) {
	case domain.ActionPendingApproval, domain.ActionQueued:
		status = http.StatusAccepted
	case domain.ActionBlocked:
		status = http.StatusForbidden
	}
	writeJSON(w, status, out)
}

func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	t, err := h.service.GetTask(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type CallFunctionRequest struct {
	Parameters      map[string]any `json:"parameters"`
	RequireApproval *bool          `json:"require_approval"`
}

// CallFunction — POST /v1/agents/{name}/functions/{fn}, вызов через Bounded Wrapper
func (h *TaskHandler) CallFunction(w http.ResponseWriter, r *http.Request) {
	var req CallFunctionRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res := h.service.ExecuteFunction(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "fn"), req.Parameters, req.RequireApproval)

	status := http.StatusOK
	switch res.Status {
	case domain.ActionPendingApproval, domain.ActionQueued:
		status = http.StatusAccepted
	case domain.ActionBlocked:
		status = http.StatusForbidden
	}
	writeJSON(w, status, res)
}
