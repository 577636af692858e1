package domain

import (
	"fmt"
	"strings"
	"time"
)

// RiskLevel упорядочен: Low < Medium < High < Critical
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	}
	return fmt.Sprintf("risk(%d)", int(r))
}

func (r RiskLevel) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *RiskLevel) UnmarshalText(b []byte) error {
	lvl, err := ParseRiskLevel(string(b))
	if err != nil {
		return err
	}
	*r = lvl
	return nil
}

func ParseRiskLevel(s string) (RiskLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	case "critical":
		return RiskCritical, nil
	}
	return RiskLow, fmt.Errorf("unknown risk level %q", s)
}

// ActionStatus — итог вызова Bounded Wrapper, отдается вызывающему как есть
type ActionStatus string

const (
	ActionBlocked         ActionStatus = "blocked"
	ActionQueued          ActionStatus = "queued"
	ActionPendingApproval ActionStatus = "pending_approval"
	ActionExecuted        ActionStatus = "executed"
	ActionFailed          ActionStatus = "failed"
	ActionExpired         ActionStatus = "expired"
	ActionRejected        ActionStatus = "rejected"
)

// Причины блокировки
const (
	ReasonEmergencyStop     = "emergency-stop"
	ReasonPaused            = "paused"
	ReasonNetworkDisallowed = "network-disallowed"
	ReasonAlreadyExecuting  = "already-executing" // исполнение уже захвачено другим вызовом
)

// BoundedAction — одна попытка вызова функции агента с оценкой риска и аудитом.
// Никогда не переиспользуется.
type BoundedAction struct {
	ID               string         `json:"action_id"`
	AgentName        string         `json:"agent_name"`
	FunctionName     string         `json:"function_name"`
	Parameters       map[string]any `json:"parameters"`
	RiskLevel        RiskLevel      `json:"risk_level"`
	RequiresApproval bool           `json:"requires_approval"`
	ApprovalStatus   ApprovalStatus `json:"approval_status"`
	CreatedAt        time.Time      `json:"created_at"`
	ApprovedAt       *time.Time     `json:"approved_at,omitempty"`
	ApprovedBy       string         `json:"approved_by,omitempty"`
	ExecutedAt       *time.Time     `json:"executed_at,omitempty"`
	Result           *Result        `json:"result,omitempty"`
	AuditTrail       []AuditEntry   `json:"audit_trail"`
}

// AuditEntry — событие в памяти. Персистентная копия пишется через audit.Trail.
type AuditEntry struct {
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (a *BoundedAction) Record(event string, meta map[string]any) AuditEntry {
	e := AuditEntry{Event: event, Timestamp: time.Now(), Metadata: meta}
	a.AuditTrail = append(a.AuditTrail, e)
	return e
}

// ActionResult — структурированный ответ Wrapper'а. Конфликты не являются ошибками.
type ActionResult struct {
	Status     ActionStatus `json:"status"`
	ActionID   string       `json:"action_id,omitempty"`
	RiskLevel  RiskLevel    `json:"risk_level"`
	Reason     string       `json:"reason,omitempty"`
	ReviewHint string       `json:"review_hint,omitempty"`
	Result     *Result      `json:"result,omitempty"`
	Error      string       `json:"error,omitempty"`
}
