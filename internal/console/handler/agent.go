package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/spaceai-orchestrator/internal/console/service"
	"github.com/xela07ax/spaceai-orchestrator/internal/watchdog"
)

type AgentService interface {
	ListAgents(ctx context.Context) []service.AgentView
	GetAgent(ctx context.Context, name string) (*service.AgentView, error)
	ClearHalt(ctx context.Context, name, operator string) error
	Unregister(ctx context.Context, name, operator string) error
	WatchdogStatus() watchdog.Status
	SystemStatus(ctx context.Context) (*service.SystemStatus, error)
}

type AgentHandler struct {
	service AgentService
}

func NewAgentHandler(s AgentService) *AgentHandler {
	return &AgentHandler{service: s}
}

func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.ListAgents(r.Context()))
}

func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	v, err := h.service.GetAgent(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *AgentHandler) Unregister(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Unregister(r.Context(), chi.URLParam(r, "name"), operator(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearHalt — POST /v1/watchdog/agents/{name}/clear
func (h *AgentHandler) ClearHalt(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.service.ClearHalt(r.Context(), name, operator(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agent": name, "status": "halt_cleared"})
}

func (h *AgentHandler) Watchdog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.WatchdogStatus())
}

// Dashboard — ядро, ограниченная автономия и Watchdog одним ответом
func (h *AgentHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.SystemStatus(r.Context())
	if err != nil {
		http.Error(w, "Failed to fetch stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
