package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator/internal/engine"
)

// ApprovalService — очередь согласований (реализует engine.BoundedOrchestrator)
type ApprovalService interface {
	PendingApprovals(ctx context.Context) ([]*domain.ApprovalRecord, error)
	ActionDetails(ctx context.Context, actionID string) (*domain.ActionDetails, error)
	Approve(ctx context.Context, actionID, operator, notes string) (*engine.ApprovalOutcome, error)
	Reject(ctx context.Context, actionID, operator, reason string) (*domain.Decision, error)
	CleanupExpired(ctx context.Context) (int, error)
	OperatorStatistics(ctx context.Context, operator string) (domain.OperatorStatistics, error)
}

type ApprovalHandler struct {
	service ApprovalService
}

func NewApprovalHandler(s ApprovalService) *ApprovalHandler {
	return &ApprovalHandler{service: s}
}

func (h *ApprovalHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.PendingApprovals(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*domain.ApprovalRecord{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *ApprovalHandler) GetDetails(w http.ResponseWriter, r *http.Request) {
	d, err := h.service.ActionDetails(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type ApproveRequest struct {
	Notes string `json:"notes"`
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

// Approve одобряет действие и сразу исполняет его
func (h *ApprovalHandler) Approve(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	out, err := h.service.Approve(r.Context(), chi.URLParam(r, "id"), operator(r), req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *ApprovalHandler) Reject(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		http.Error(w, "reason is required", http.StatusBadRequest)
		return
	}

	dec, err := h.service.Reject(r.Context(), chi.URLParam(r, "id"), operator(r), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dec)
}

func (h *ApprovalHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.CleanupExpired(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": n})
}

// Stats — GET /v1/operators/stats?operator=...
func (h *ApprovalHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.OperatorStatistics(r.Context(), r.URL.Query().Get("operator"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
