package service

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/spaceai-orchestrator/internal/audit"
)

// AuditLogProvider — чтение дневного журнала аудита (audit.DayLog)
type AuditLogProvider interface {
	ReadDay(day time.Time, agentName, actionID string) ([]audit.Event, error)
}

type AuditService struct {
	repo AuditLogProvider
	now  func() time.Time
}

func NewAuditService(repo AuditLogProvider) *AuditService {
	return &AuditService{repo: repo, now: time.Now}
}

// FetchLogs отдает события за день (нулевой день — сегодня, UTC).
func (s *AuditService) FetchLogs(_ context.Context, day time.Time, agentName, actionID string) ([]audit.Event, error) {
	if day.IsZero() {
		day = s.now().UTC()
	}
	logs, err := s.repo.ReadDay(day, agentName, actionID)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to fetch logs: %w", err)
	}
	return logs, nil
}
