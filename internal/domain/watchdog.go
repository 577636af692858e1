package domain

import "time"

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Типы инцидентов Watchdog
const (
	IncidentMonitoringError = "monitoring_error"
	IncidentDegraded        = "agent_degraded"
	IncidentRestarted       = "agent_restarted"
	IncidentRecovered       = "agent_recovered"
	IncidentHalted          = "agent_halted"
	IncidentHaltCleared     = "agent_halt_cleared"
	IncidentEmergencyStop   = "emergency_stop"
)

// Причины остановки агента
const (
	HaltRepeatedFailures = "repeated_failures"
	HaltMaxRestarts      = "max_restarts_exceeded"
	HaltRestartFailed    = "restart_failed"
)

// WatchdogRecord — счетчики супервизора по одному агенту
type WatchdogRecord struct {
	Agent        string      `json:"agent"`
	ErrorCount   int         `json:"error_count"`
	RestartCount int         `json:"restart_count"`
	Halted       bool        `json:"halted"`
	HaltReason   string      `json:"halt_reason,omitempty"`
	LastCheck    time.Time   `json:"last_check"`
	LastStatus   AgentStatus `json:"last_status"`
}

// Incident — событие для оператора. Critical попадают в очередь уведомлений.
type Incident struct {
	ID                   string         `json:"id"`
	Agent                string         `json:"agent"`
	Type                 string         `json:"type"`
	Severity             Severity       `json:"severity"`
	RequiresIntervention bool           `json:"requires_intervention"`
	Message              string         `json:"message"`
	Timestamp            time.Time      `json:"timestamp"`
	Details              map[string]any `json:"details,omitempty"`
}
