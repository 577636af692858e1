package handler

import (
	"context"
	"net/http"

	"github.com/xela07ax/spaceai-orchestrator/internal/engine"
)

// ControlService — аварийные рубильники (реализует engine.BoundedOrchestrator)
type ControlService interface {
	EmergencyStop(ctx context.Context, reason, operator string) (*engine.EmergencyReport, error)
	ResumeOperations(ctx context.Context, operator string) (string, error)
	Pause(ctx context.Context, operator string) (string, error)
	Resume(ctx context.Context, operator string) (*engine.ResumeReport, error)
	DrainQueued(ctx context.Context) []*engine.TaskOutcome
}

type ControlHandler struct {
	service ControlService
}

func NewControlHandler(s ControlService) *ControlHandler {
	return &ControlHandler{service: s}
}

const defaultStopReason = "operator emergency stop"

type EmergencyStopRequest struct {
	Reason string `json:"reason"`
}

func (h *ControlHandler) EmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req EmergencyStopRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = defaultStopReason
	}

	rep, err := h.service.EmergencyStop(r.Context(), req.Reason, operator(r))
	if err != nil && rep == nil {
		writeError(w, err)
		return
	}
	// Стоп уже применен, даже если журнал оператора не записался
	writeJSON(w, http.StatusOK, rep)
}

func (h *ControlHandler) ResumeOperations(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.ResumeOperations(r.Context(), operator(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (h *ControlHandler) Pause(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.Pause(r.Context(), operator(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

type UnpauseResponse struct {
	*engine.ResumeReport
	Drained []*engine.TaskOutcome `json:"drained"`
}

// Unpause снимает паузу и запускает накопленные задачи
func (h *ControlHandler) Unpause(w http.ResponseWriter, r *http.Request) {
	rep, err := h.service.Resume(r.Context(), operator(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, UnpauseResponse{
		ResumeReport: rep,
		Drained:      h.service.DrainQueued(r.Context()),
	})
}
