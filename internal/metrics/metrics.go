package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Traffic: задачи по типу и итоговому статусу
	TaskTotal *prometheus.CounterVec

	// Latency: длительность вызова агента
	AgentCallDuration *prometheus.HistogramVec

	// Errors: классификация отказов
	ErrorTotal *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Очередь согласований
	PendingApprovals prometheus.Gauge

	WatchdogRestarts *prometheus.CounterVec
	WatchdogHalts    *prometheus.CounterVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge
}

// Типы ошибок для ErrorTotal
const (
	ErrTypeCycleFallback   = "cycle_fallback"
	ErrTypeCircuitOpen     = "circuit_open"
	ErrTypeAgentFailure    = "agent_failure"
	ErrTypeBlocked         = "blocked"
	ErrTypeRateLimit       = "rate_limit"
	ErrTypeTimeout         = "timeout"
	ErrTypeNoCapableAgents = "no_capable_agents"
	ErrTypeAuditDropped    = "audit_dropped"
)

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		TaskTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_tasks_total",
			Help: "Total number of orchestrated tasks by final status.",
		}, []string{"task_type", "status"}),

		AgentCallDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_agent_call_duration_seconds",
			Help:    "Histogram of agent invocation latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"agent", "status"}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_errors_total",
			Help: "Total number of errors by type.",
		}, []string{"type"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_circuit_breaker_state",
			Help: "Current state of the per-agent circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"agent"}),

		PendingApprovals: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_pending_approvals",
			Help: "Number of actions waiting for operator review.",
		}),

		WatchdogRestarts: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_watchdog_restarts_total",
			Help: "Agent restarts performed by the watchdog.",
		}, []string{"agent"}),

		WatchdogHalts: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_watchdog_halts_total",
			Help: "Agents halted by the watchdog.",
		}, []string{"agent", "reason"}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),
	}
}
