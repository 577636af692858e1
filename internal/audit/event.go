package audit

import "time"

// Типы событий журнала
const (
	EventActionCreated    = "action_created"
	EventRiskAssessed     = "risk_assessed"
	EventSubmitted        = "submitted_for_approval"
	EventApproved         = "approved"
	EventRejected         = "rejected"
	EventExpired          = "expired"
	EventExecuted         = "executed"
	EventExecutionFailed  = "execution_failed"
	EventBlocked          = "blocked"
	EventQueued           = "queued"
	EventEmergencyPending = "emergency_shutdown_pending"
	EventAgentInvoked     = "agent_invoked"
	EventTaskFinished     = "task_finished"
	EventEmergencyStop    = "emergency_stop"
	EventResumed          = "operations_resumed"
)

// Event — одна строка audit_YYYY-MM-DD.jsonl
type Event struct {
	Timestamp      time.Time      `json:"timestamp"`
	ActionID       string         `json:"action_id"`
	AgentName      string         `json:"agent_name"`
	FunctionName   string         `json:"function_name"`
	Event          string         `json:"event"`
	RiskLevel      string         `json:"risk_level,omitempty"`
	ApprovalStatus string         `json:"approval_status,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}
