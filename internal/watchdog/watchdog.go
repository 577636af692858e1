package watchdog

/*
Watchdog — супервизор здоровья агентов вне пути задач.
Рестартует упавшего агента ограниченное число раз, затем останавливает его (halt)
до явного решения оператора.
*/

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator/internal/infra"
	"github.com/xela07ax/spaceai-orchestrator/internal/metrics"
	"github.com/xela07ax/spaceai-orchestrator/internal/registry"
)

const (
	DefaultCheckInterval  = 30 * time.Second
	DefaultErrorThreshold = 5
	DefaultMaxRestarts    = 3
	DefaultIncidentBuffer = 500

	healthCheckTimeout = 10 * time.Second
)

type Watchdog struct {
	registry *registry.Registry
	cfg      infra.WatchdogConfig
	notifier Notifier
	halts    *haltSet
	metrics  *metrics.Metrics
	now      func() time.Time
	logger   *zap.Logger

	mu        sync.Mutex
	records   map[string]*domain.WatchdogRecord
	incidents []domain.Incident
}

type Option func(*Watchdog)

func WithNotifier(n Notifier) Option        { return func(w *Watchdog) { w.notifier = n } }
func WithMetrics(m *metrics.Metrics) Option { return func(w *Watchdog) { w.metrics = m } }
func WithClock(now func() time.Time) Option { return func(w *Watchdog) { w.now = now } }

// WithRedis делает множество остановленных агентов общим для процессов
func WithRedis(rdb *redis.Client) Option {
	return func(w *Watchdog) {
		if rdb != nil {
			w.halts = &haltSet{rdb: rdb}
		}
	}
}

func New(reg *registry.Registry, cfg infra.WatchdogConfig, logger *zap.Logger, opts ...Option) *Watchdog {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = DefaultErrorThreshold
	}
	if cfg.MaxRestartAttempts < 0 {
		cfg.MaxRestartAttempts = DefaultMaxRestarts
	}
	if cfg.IncidentBuffer <= 0 {
		cfg.IncidentBuffer = DefaultIncidentBuffer
	}

	w := &Watchdog{
		registry: reg,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.Named("watchdog"),
		records:  make(map[string]*domain.WatchdogRecord),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.metrics == nil {
		w.metrics = metrics.NewMetrics(nil)
	}
	if w.halts != nil {
		w.halts.logger = w.logger
	}
	return w
}

// Init подтягивает остановки, сделанные другими процессами (или до рестарта).
func (w *Watchdog) Init(ctx context.Context) error {
	if w.halts == nil {
		return nil
	}
	agents, err := w.halts.load(ctx)
	if err != nil {
		return err
	}
	for _, name := range agents {
		w.applyRemote(name, true)
	}
	if len(agents) > 0 {
		w.logger.Info("halted agents restored", zap.Strings("agents", agents))
	}
	return nil
}

// Run — цикл проверок до отмены ctx.
func (w *Watchdog) Run(ctx context.Context) {
	if w.halts != nil {
		go w.halts.listen(ctx, func() error { return w.Init(ctx) }, w.applyRemote)
	}

	ticker := time.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()

	w.logger.Info("watchdog started",
		zap.Duration("interval", w.cfg.CheckInterval),
		zap.Int("error_threshold", w.cfg.ErrorThreshold),
		zap.Int("max_restarts", w.cfg.MaxRestartAttempts))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watchdog stopped")
			return
		case <-ticker.C:
			w.CheckOnce(ctx)
		}
	}
}

// CheckOnce — один проход по всем зарегистрированным агентам, кроме остановленных.
func (w *Watchdog) CheckOnce(ctx context.Context) {
	for _, name := range w.registry.Names() {
		if ctx.Err() != nil {
			return
		}
		entry, ok := w.registry.Get(name)
		if !ok || w.IsHalted(name) {
			continue
		}
		w.check(ctx, name, entry)
	}
	w.forgetUnregistered()
}

func (w *Watchdog) check(ctx context.Context, name string, entry *registry.Entry) {
	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	rep, err := entry.Agent.HealthCheck(checkCtx)
	cancel()

	if err != nil {
		// Сбой самой проверки не повод останавливать агента
		w.Raise(ctx, domain.Incident{
			Agent:    name,
			Type:     domain.IncidentMonitoringError,
			Severity: domain.SeverityWarning,
			Message:  fmt.Sprintf("health check of %s failed: %v", name, err),
		})
		return
	}

	w.mu.Lock()
	rec := w.recordLocked(name)
	rec.LastCheck = w.now()
	rec.LastStatus = rep.Status
	hadErrors := rec.ErrorCount > 0 || rec.RestartCount > 0
	w.mu.Unlock()

	switch rep.Status {
	case domain.StatusFailed:
		w.handleFailure(ctx, name, entry, rep)

	case domain.StatusDegraded, domain.StatusRecovering:
		entry.SetStatus(rep.Status)
		w.Raise(ctx, domain.Incident{
			Agent:    name,
			Type:     domain.IncidentDegraded,
			Severity: domain.SeverityWarning,
			Message:  fmt.Sprintf("agent %s is %s: %s", name, rep.Status, rep.Message),
		})

	case domain.StatusHealthy:
		entry.SetStatus(domain.StatusHealthy)
		if !hadErrors {
			return
		}
		w.mu.Lock()
		rec.ErrorCount = 0
		rec.RestartCount = 0
		w.mu.Unlock()
		w.Raise(ctx, domain.Incident{
			Agent:    name,
			Type:     domain.IncidentRecovered,
			Severity: domain.SeverityInfo,
			Message:  fmt.Sprintf("agent %s recovered", name),
		})
	}
}

func (w *Watchdog) handleFailure(ctx context.Context, name string, entry *registry.Entry, rep domain.HealthReport) {
	w.mu.Lock()
	rec := w.recordLocked(name)
	rec.ErrorCount++
	errCount, restarts := rec.ErrorCount, rec.RestartCount
	w.mu.Unlock()

	log := w.logger.With(zap.String("agent", name), zap.Int("error_count", errCount), zap.Int("restart_count", restarts))
	log.Warn("agent reported failure", zap.String("message", rep.Message))

	switch {
	case errCount >= w.cfg.ErrorThreshold:
		w.halt(ctx, name, entry, domain.HaltRepeatedFailures)
		return
	case restarts >= w.cfg.MaxRestartAttempts:
		w.halt(ctx, name, entry, domain.HaltMaxRestarts)
		return
	}

	initCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	err := entry.Agent.Initialize(initCtx)
	cancel()
	if err != nil {
		log.Error("agent restart failed", zap.Error(err))
		w.halt(ctx, name, entry, domain.HaltRestartFailed)
		return
	}

	w.mu.Lock()
	rec.RestartCount++
	restarts = rec.RestartCount
	w.mu.Unlock()
	entry.SetStatus(domain.StatusRecovering)
	w.metrics.WatchdogRestarts.WithLabelValues(name).Inc()

	w.Raise(ctx, domain.Incident{
		Agent:    name,
		Type:     domain.IncidentRestarted,
		Severity: domain.SeverityWarning,
		Message:  fmt.Sprintf("agent %s restarted (attempt %d of %d)", name, restarts, w.cfg.MaxRestartAttempts),
		Details:  map[string]any{"restart_count": restarts, "error_count": errCount},
	})
}

func (w *Watchdog) halt(ctx context.Context, name string, entry *registry.Entry, reason string) {
	w.mu.Lock()
	rec := w.recordLocked(name)
	rec.Halted = true
	rec.HaltReason = reason
	snapshot := *rec
	w.mu.Unlock()

	entry.SetStatus(domain.StatusFailed)
	w.metrics.WatchdogHalts.WithLabelValues(name, reason).Inc()
	w.logger.Error("agent halted", zap.String("agent", name), zap.String("reason", reason))

	if w.halts != nil {
		if err := w.halts.publish(ctx, name, true); err != nil {
			w.logger.Error("failed to share halt", zap.Error(err))
		}
	}

	w.Raise(ctx, domain.Incident{
		Agent:                name,
		Type:                 domain.IncidentHalted,
		Severity:             domain.SeverityCritical,
		RequiresIntervention: true,
		Message:              fmt.Sprintf("agent %s halted: %s", name, reason),
		Details: map[string]any{
			"reason":        reason,
			"error_count":   snapshot.ErrorCount,
			"restart_count": snapshot.RestartCount,
		},
	})
}

// ClearAgentHalt — единственный способ вернуть агента: счетчики сбрасываются, статус recovering.
func (w *Watchdog) ClearAgentHalt(ctx context.Context, agent, operator string) error {
	w.mu.Lock()
	rec, ok := w.records[agent]
	if !ok || !rec.Halted {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrNotHalted, agent)
	}
	reason := rec.HaltReason
	w.resetLocked(rec)
	w.mu.Unlock()

	if entry, ok := w.registry.Get(agent); ok {
		entry.SetStatus(domain.StatusRecovering)
	}
	if w.halts != nil {
		if err := w.halts.publish(ctx, agent, false); err != nil {
			w.logger.Error("failed to share halt clearance", zap.Error(err))
		}
	}

	w.logger.Info("agent halt cleared", zap.String("agent", agent), zap.String("operator", operator))
	w.Raise(ctx, domain.Incident{
		Agent:    agent,
		Type:     domain.IncidentHaltCleared,
		Severity: domain.SeverityInfo,
		Message:  fmt.Sprintf("halt of %s cleared by %s", agent, operator),
		Details:  map[string]any{"operator": operator, "previous_reason": reason},
	})
	return nil
}

// applyRemote — halt или снятие halt, сделанные другим процессом
func (w *Watchdog) applyRemote(agent string, halted bool) {
	w.mu.Lock()
	rec := w.recordLocked(agent)
	if rec.Halted == halted {
		w.mu.Unlock()
		return
	}
	if halted {
		rec.Halted = true
		if rec.HaltReason == "" {
			rec.HaltReason = "remote"
		}
	} else {
		w.resetLocked(rec)
	}
	w.mu.Unlock()

	if entry, ok := w.registry.Get(agent); ok {
		if halted {
			entry.SetStatus(domain.StatusFailed)
		} else {
			entry.SetStatus(domain.StatusRecovering)
		}
	}
	w.logger.Warn("halt state changed by another process", zap.String("agent", agent), zap.Bool("halted", halted))
}

func (w *Watchdog) IsHalted(agent string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, ok := w.records[agent]
	return ok && rec.Halted
}

// Raise записывает инцидент. Требующие вмешательства уходят в очередь уведомлений.
func (w *Watchdog) Raise(ctx context.Context, inc domain.Incident) {
	if inc.ID == "" {
		inc.ID = uuid.NewString()
	}
	if inc.Timestamp.IsZero() {
		inc.Timestamp = w.now()
	}

	w.mu.Lock()
	w.incidents = append(w.incidents, inc)
	if over := len(w.incidents) - w.cfg.IncidentBuffer; over > 0 {
		w.incidents = append(w.incidents[:0:0], w.incidents[over:]...)
	}
	w.mu.Unlock()

	w.logger.Info("incident",
		zap.String("id", inc.ID),
		zap.String("agent", inc.Agent),
		zap.String("type", inc.Type),
		zap.String("severity", string(inc.Severity)),
		zap.String("message", inc.Message))

	if w.notifier == nil || (!inc.RequiresIntervention && inc.Severity != domain.SeverityCritical) {
		return
	}
	if err := w.notifier.Notify(ctx, inc); err != nil {
		w.logger.Error("failed to queue notification", zap.String("incident", inc.ID), zap.Error(err))
	}
}

type Status struct {
	Records         map[string]domain.WatchdogRecord `json:"agents"`
	Halted          []string                         `json:"halted_agents"`
	RecentIncidents []domain.Incident                `json:"recent_incidents"`
	CheckInterval   time.Duration                    `json:"check_interval"`
	ErrorThreshold  int                              `json:"error_threshold"`
	MaxRestarts     int                              `json:"max_restart_attempts"`
}

// RecentIncidentsLimit — сколько последних инцидентов отдает Status
const RecentIncidentsLimit = 10

func (w *Watchdog) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := Status{
		Records:        make(map[string]domain.WatchdogRecord, len(w.records)),
		Halted:         []string{},
		CheckInterval:  w.cfg.CheckInterval,
		ErrorThreshold: w.cfg.ErrorThreshold,
		MaxRestarts:    w.cfg.MaxRestartAttempts,
	}
	for name, rec := range w.records {
		st.Records[name] = *rec
		if rec.Halted {
			st.Halted = append(st.Halted, name)
		}
	}
	sort.Strings(st.Halted)

	from := max(len(w.incidents)-RecentIncidentsLimit, 0)
	st.RecentIncidents = append([]domain.Incident{}, w.incidents[from:]...)
	return st
}

// Incidents — весь буфер инцидентов, от старых к новым
func (w *Watchdog) Incidents() []domain.Incident {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]domain.Incident{}, w.incidents...)
}

func (w *Watchdog) recordLocked(name string) *domain.WatchdogRecord {
	rec, ok := w.records[name]
	if !ok {
		rec = &domain.WatchdogRecord{Agent: name}
		w.records[name] = rec
	}
	return rec
}

func (w *Watchdog) resetLocked(rec *domain.WatchdogRecord) {
	rec.ErrorCount = 0
	rec.RestartCount = 0
	rec.Halted = false
	rec.HaltReason = ""
}

// forgetUnregistered убирает записи снятых агентов. Остановленные остаются до решения оператора.
func (w *Watchdog) forgetUnregistered() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for name, rec := range w.records {
		if _, ok := w.registry.Get(name); !ok && !rec.Halted {
			delete(w.records, name)
		}
	}
}
