package domain

import (
	"time"
)

// Статусы State Machine
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalExpired   ApprovalStatus = "expired"
	ApprovalExecuting ApprovalStatus = "executing" // исполнение захвачено одним исполнителем
	ApprovalExecuted  ApprovalStatus = "executed"  // Вторая, необязательная фаза после Approved
)

type WorkflowType string

const (
	WorkflowDefault   WorkflowType = "default"
	WorkflowHighRisk  WorkflowType = "high_risk"
	WorkflowExpedited WorkflowType = "expedited"
)

// WorkflowFor выбирает тип процесса согласования по уровню риска
func WorkflowFor(r RiskLevel) WorkflowType {
	if r >= RiskHigh {
		return WorkflowHighRisk
	}
	return WorkflowDefault
}

// Типы событий истории
const (
	EventSubmitted        = "submitted"
	EventApproved         = "approved"
	EventRejected         = "rejected"
	EventExpired          = "expired"
	EventExecutionStarted = "execution_started"
	EventExecuted         = "executed"
)

// ApprovalRecord — строка review_queue. Источник правды о статусе согласования.
type ApprovalRecord struct {
	ActionID        string         `json:"action_id" yaml:"action_id"`
	AgentName       string         `json:"agent_name" yaml:"agent_name"`
	FunctionName    string         `json:"function_name" yaml:"function_name"`
	Parameters      map[string]any `json:"parameters" yaml:"parameters"`
	RiskLevel       RiskLevel      `json:"risk_level" yaml:"risk_level"`
	WorkflowType    WorkflowType   `json:"workflow_type" yaml:"workflow_type"`
	Status          ApprovalStatus `json:"status" yaml:"status"`
	CreatedAt       time.Time      `json:"created_at" yaml:"created_at"`
	TimeoutAt       time.Time      `json:"timeout_at" yaml:"timeout_at"`
	ApprovedAt      *time.Time     `json:"approved_at,omitempty" yaml:"approved_at,omitempty"`
	ApprovedBy      *string        `json:"approved_by,omitempty" yaml:"approved_by,omitempty"`
	RejectionReason *string        `json:"rejection_reason,omitempty" yaml:"rejection_reason,omitempty"`
	ExecutionResult map[string]any `json:"execution_result,omitempty" yaml:"execution_result,omitempty"`
}

// CanTransitionTo проверяет правила конечного автомата
func (a *ApprovalRecord) CanTransitionTo(next ApprovalStatus) error {
	switch next {
	case ApprovalExecuting:
		if a.Status != ApprovalApproved {
			return ErrInvalidTransition
		}
		return nil
	case ApprovalExecuted:
		if a.Status != ApprovalApproved && a.Status != ApprovalExecuting {
			return ErrInvalidTransition
		}
		return nil
	}
	if a.Status != ApprovalPending {
		return ErrNotPending
	}
	if next == ApprovalPending {
		return ErrInvalidTransition
	}
	return nil
}

// IsExpired — дедлайн согласования прошел
func (a *ApprovalRecord) IsExpired(now time.Time) bool {
	return now.After(a.TimeoutAt)
}

// HistoryEntry — строка approval_history (append-only)
type HistoryEntry struct {
	ActionID  string         `json:"action_id" yaml:"action_id"`
	EventType string         `json:"event_type" yaml:"event_type"`
	Operator  string         `json:"operator" yaml:"operator"`
	Timestamp time.Time      `json:"timestamp" yaml:"timestamp"`
	Details   map[string]any `json:"details,omitempty" yaml:"details,omitempty"`
}

// ActionDetails — запись вместе с полной историей (для CLI/консоли)
type ActionDetails struct {
	ApprovalRecord `yaml:",inline"`
	History        []HistoryEntry `json:"history" yaml:"history"`
}

// Submission — ответ на SubmitForReview
type Submission struct {
	ActionID  string       `json:"action_id"`
	Status    string       `json:"status"` // всегда "submitted"
	Workflow  WorkflowType `json:"workflow"`
	TimeoutAt time.Time    `json:"timeout_at"`
}

// Decision — итог Approve/Reject. Expired — это результат, а не ошибка.
type Decision struct {
	ActionID  string         `json:"action_id"`
	Status    ApprovalStatus `json:"status"`
	Operator  string         `json:"operator"`
	DecidedAt time.Time      `json:"decided_at"`
	Reason    string         `json:"reason,omitempty"`
	Notes     string         `json:"notes,omitempty"`
}

// OperatorStatistics: operator -> action -> count
type OperatorStatistics map[string]map[string]int
