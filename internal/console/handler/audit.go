package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/xela07ax/spaceai-orchestrator/internal/audit"
)

type AuditReader interface {
	FetchLogs(ctx context.Context, day time.Time, agentName, actionID string) ([]audit.Event, error)
}

type AuditHandler struct {
	service AuditReader
}

func NewAuditHandler(s AuditReader) *AuditHandler {
	return &AuditHandler{service: s}
}

// GetLogs возвращает события аудита за день с фильтрацией
// GET /v1/audit?date=2026-01-31&agent=...&action_id=...
func (h *AuditHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var day time.Time
	if s := q.Get("date"); s != "" {
		d, err := time.Parse(time.DateOnly, s)
		if err != nil {
			http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		day = d
	}

	logs, err := h.service.FetchLogs(r.Context(), day, q.Get("agent"), q.Get("action_id"))
	if err != nil {
		http.Error(w, "Failed to fetch audit logs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}
