package engine

/*
Ядро оркестратора: подбор агентов по возможностям, порядок по зависимостям,
последовательный вызов внутри задачи. Ошибка одного агента не останавливает
остальных, ошибки копятся и отдаются вместе в TaskResult.
*/

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/spaceai-orchestrator/internal/audit"
	"github.com/xela07ax/spaceai-orchestrator/internal/breaker"
	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator/internal/metrics"
	"github.com/xela07ax/spaceai-orchestrator/internal/registry"
)

const (
	DefaultTaskTableSize = 1000
	// BroadcastTTL — время жизни широковещательного сообщения на доске
	BroadcastTTL = 300 * time.Second
)

// Invocation — то, что Guard знает о вызове агента внутри задачи
type Invocation struct {
	TaskID     string
	TaskType   string
	Agent      string
	Parameters map[string]any
}

// Guard — хук ограниченной автономии на пути задачи.
// Ошибка BeforeAgent пропускает агента, ошибка записывается в результат задачи.
type Guard interface {
	BeforeAgent(ctx context.Context, inv Invocation) error
	AfterAgent(ctx context.Context, inv Invocation, res domain.Result, err error, d time.Duration)
}

type TaskRequest struct {
	ID                   string // пусто — сгенерируется
	Type                 string
	Parameters           map[string]any
	RequiredCapabilities []string
	Priority             domain.Priority
	// Shared — общий контекст, переданный вызывающим. nil — свежий на задачу.
	Shared *SharedContext
}

type TaskResult struct {
	TaskID        string                   `json:"task_id"`
	Status        domain.TaskStatus        `json:"status"`
	Order         []string                 `json:"execution_order"`
	Results       map[string]domain.Result `json:"results"`
	Errors        []string                 `json:"errors,omitempty"`
	Warnings      []string                 `json:"warnings,omitempty"`
	SharedContext map[string]any           `json:"shared_context,omitempty"`
	ExecutionTime time.Duration            `json:"execution_time"`
}

// Plan — агенты задачи в порядке исполнения
type Plan struct {
	Agents []string
	Cyclic bool
}

type agentRuntime struct {
	limiter *rate.Limiter
	sem     chan struct{}
}

type Orchestrator struct {
	registry *registry.Registry
	breakers *breaker.Set
	metrics  *metrics.Metrics
	auditor  audit.Auditor
	guard    Guard
	logger   *zap.Logger

	callTimeout time.Duration
	tableSize   int

	mu         sync.RWMutex
	tasks      map[string]*domain.Task
	taskOrder  []string // FIFO вытеснения
	running    map[string]context.CancelCauseFunc
	runtimes   map[string]*agentRuntime
	history    *history
	board      *SharedContext
	historyLen int
}

type Option func(*Orchestrator)

func WithMetrics(m *metrics.Metrics) Option  { return func(o *Orchestrator) { o.metrics = m } }
func WithAuditor(a audit.Auditor) Option     { return func(o *Orchestrator) { o.auditor = a } }
func WithGuard(g Guard) Option               { return func(o *Orchestrator) { o.guard = g } }
func WithCallTimeout(d time.Duration) Option { return func(o *Orchestrator) { o.callTimeout = d } }
func WithTaskTableSize(n int) Option         { return func(o *Orchestrator) { o.tableSize = n } }
func WithHistorySize(n int) Option           { return func(o *Orchestrator) { o.historyLen = n } }

func NewOrchestrator(reg *registry.Registry, breakers *breaker.Set, logger *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:  reg,
		breakers:  breakers,
		auditor:   audit.Nop{},
		logger:    logger.Named("core"),
		tableSize: DefaultTaskTableSize,
		tasks:     make(map[string]*domain.Task),
		running:   make(map[string]context.CancelCauseFunc),
		runtimes:  make(map[string]*agentRuntime),
		board:     NewSharedContext(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = metrics.NewMetrics(nil)
	}
	if o.tableSize <= 0 {
		o.tableSize = DefaultTaskTableSize
	}
	o.history = newHistory(o.historyLen)
	return o
}

// SetGuard подключает хук после сборки (BoundedOrchestrator создается позже ядра)
func (o *Orchestrator) SetGuard(g Guard) {
	o.mu.Lock()
	o.guard = g
	o.mu.Unlock()
}

func (o *Orchestrator) Registry() *registry.Registry { return o.registry }
func (o *Orchestrator) Breakers() *breaker.Set       { return o.breakers }

// Plan подбирает агентов с нужными возможностями и упорядочивает их по зависимостям.
func (o *Orchestrator) Plan(req TaskRequest) (*Plan, error) {
	capable := o.registry.FindAgentsWith(req.RequiredCapabilities)
	if len(capable) == 0 {
		return nil, fmt.Errorf("%w: %v", domain.ErrNoCapableAgents, req.RequiredCapabilities)
	}
	order, cyclic := o.registry.ResolveOrder(capable)
	return &Plan{Agents: order, Cyclic: cyclic}, nil
}

// ExecuteTask никогда не возвращает ошибку: исход задачи — в Status/Errors.
func (o *Orchestrator) ExecuteTask(ctx context.Context, req TaskRequest) *TaskResult {
	start := time.Now()
	plan, err := o.Plan(req)
	if err != nil {
		o.metrics.ErrorTotal.WithLabelValues(metrics.ErrTypeNoCapableAgents).Inc()
		o.metrics.TaskTotal.WithLabelValues(req.Type, string(domain.TaskFailed)).Inc()
		o.logger.Warn("no capable agents", zap.String("task_type", req.Type),
			zap.Strings("capabilities", req.RequiredCapabilities))
		return &TaskResult{
			TaskID:        req.ID,
			Status:        domain.TaskFailed,
			Results:       map[string]domain.Result{},
			Errors:        []string{err.Error()},
			ExecutionTime: time.Since(start),
		}
	}
	return o.Run(ctx, req, plan)
}

// Run исполняет заранее составленный план.
func (o *Orchestrator) Run(ctx context.Context, req TaskRequest, plan *Plan) *TaskResult {
	start := time.Now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	shared := req.Shared
	if shared == nil {
		shared = NewSharedContext()
	}

	task := &domain.Task{
		ID:             req.ID,
		Type:           req.Type,
		Parameters:     req.Parameters,
		RequiredAgents: append([]string(nil), plan.Agents...),
		Priority:       req.Priority,
		Status:         domain.TaskPending,
		CreatedAt:      start,
	}
	o.storeTask(task)

	taskCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	o.mu.Lock()
	o.running[task.ID] = cancel
	guard := o.guard
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, task.ID)
		o.mu.Unlock()
	}()

	o.updateTask(task.ID, func(t *domain.Task) {
		now := time.Now()
		t.Status = domain.TaskRunning
		t.StartedAt = &now
	})

	res := &TaskResult{TaskID: task.ID, Order: task.RequiredAgents, Results: make(map[string]domain.Result)}
	if plan.Cyclic {
		o.metrics.ErrorTotal.WithLabelValues(metrics.ErrTypeCycleFallback).Inc()
		res.Warnings = append(res.Warnings, "cycle-fallback: circular dependency detected, using original order")
	}

	log := o.logger.With(zap.String("task_id", task.ID), zap.String("task_type", task.Type))
	log.Info("task started", zap.Strings("order", plan.Agents))

	for _, name := range plan.Agents {
		if taskCtx.Err() != nil {
			break
		}
		inv := Invocation{TaskID: task.ID, TaskType: task.Type, Agent: name, Parameters: req.Parameters}
		out, err := o.invoke(taskCtx, guard, inv, shared, res.Results)
		if err != nil {
			log.Warn("agent failed within task", zap.String("agent", name), zap.Error(err))
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		res.Results[name] = out
		shared.Merge(out.SharedData)
	}

	switch {
	case taskCtx.Err() != nil:
		res.Status = domain.TaskCancelled
		res.Errors = append(res.Errors, fmt.Sprintf("cancelled: %v", context.Cause(taskCtx)))
	case len(res.Errors) == 0:
		res.Status = domain.TaskCompleted
	default:
		res.Status = domain.TaskFailed
	}
	res.SharedContext = shared.Snapshot()
	res.ExecutionTime = time.Since(start)

	o.finishTask(task.ID, res)
	o.metrics.TaskTotal.WithLabelValues(task.Type, string(res.Status)).Inc()
	o.auditor.Log(audit.Event{
		ActionID:     task.ID,
		AgentName:    strings.Join(res.Order, ","),
		FunctionName: task.Type,
		Event:        audit.EventTaskFinished,
		Metadata: map[string]any{
			"status":          string(res.Status),
			"errors":          res.Errors,
			"execution_ms":    res.ExecutionTime.Milliseconds(),
			"context_version": shared.Version(),
		},
	})
	log.Info("task finished", zap.String("status", string(res.Status)),
		zap.Int("errors", len(res.Errors)), zap.Duration("took", res.ExecutionTime))
	return res
}

func (o *Orchestrator) invoke(ctx context.Context, guard Guard, inv Invocation, shared *SharedContext, previous map[string]domain.Result) (domain.Result, error) {
	name := inv.Agent
	entry, ok := o.registry.Get(name)
	if !ok {
		return domain.Result{}, fmt.Errorf("%w: agent %s", domain.ErrNotFound, name)
	}
	if o.breakers.IsOpen(name) {
		o.metrics.ErrorTotal.WithLabelValues(metrics.ErrTypeCircuitOpen).Inc()
		return domain.Result{}, fmt.Errorf("%w: %s", domain.ErrCircuitOpen, name)
	}
	if entry.Status() == domain.StatusFailed {
		return domain.Result{}, fmt.Errorf("%w: agent %s is in failed state", domain.ErrAgentFailure, name)
	}
	if guard != nil {
		if err := guard.BeforeAgent(ctx, inv); err != nil {
			o.metrics.ErrorTotal.WithLabelValues(metrics.ErrTypeBlocked).Inc()
			return domain.Result{}, err
		}
	}

	rt := o.runtime(name, entry.Record)
	if err := rt.limiter.Wait(ctx); err != nil {
		o.metrics.ErrorTotal.WithLabelValues(metrics.ErrTypeRateLimit).Inc()
		return domain.Result{}, fmt.Errorf("%w: agent %s: %v", domain.ErrRateLimited, name, err)
	}
	select {
	case rt.sem <- struct{}{}:
	case <-ctx.Done():
		return domain.Result{}, ctx.Err()
	}
	defer func() { <-rt.sem }()

	in := domain.ExecutionInput{
		Parameters:      maps.Clone(inv.Parameters),
		SharedContext:   shared.Snapshot(),
		PreviousResults: maps.Clone(previous),
	}

	var out domain.Result
	start := time.Now()
	err := o.breakers.Execute(name, func() error {
		var callErr error
		out, callErr = o.call(ctx, entry.Agent, in)
		return callErr
	})
	d := time.Since(start)

	if errors.Is(err, domain.ErrCircuitOpen) {
		// Полуоткрытый предохранитель уже пропустил пробу: агент не вызывался
		o.metrics.ErrorTotal.WithLabelValues(metrics.ErrTypeCircuitOpen).Inc()
		return domain.Result{}, err
	}

	entry.RecordCall(err == nil, d)
	o.history.add(domain.ExecutionRecord{Agent: name, TaskID: inv.TaskID, Success: err == nil, Duration: d, Timestamp: start})
	status := "success"
	if err != nil {
		status = "error"
		o.metrics.ErrorTotal.WithLabelValues(metrics.ErrTypeAgentFailure).Inc()
	}
	o.metrics.AgentCallDuration.WithLabelValues(name, status).Observe(d.Seconds())

	if guard != nil {
		guard.AfterAgent(ctx, inv, out, err, d)
	}
	return out, err
}

type callOutcome struct {
	res domain.Result
	err error
}

// call применяет таймаут вызова. Агент, игнорирующий ctx, не держит задачу.
func (o *Orchestrator) call(ctx context.Context, agent domain.Agent, in domain.ExecutionInput) (domain.Result, error) {
	if o.callTimeout <= 0 {
		return checkResult(agent.ExecuteCore(ctx, in))
	}

	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()

	done := make(chan callOutcome, 1)
	go func() {
		r, err := agent.ExecuteCore(callCtx, in)
		done <- callOutcome{res: r, err: err}
	}()

	select {
	case out := <-done:
		return checkResult(out.res, out.err)
	case <-callCtx.Done():
		if ctx.Err() == nil {
			o.metrics.ErrorTotal.WithLabelValues(metrics.ErrTypeTimeout).Inc()
			return domain.Result{}, fmt.Errorf("%w: call timed out after %s", domain.ErrAgentFailure, o.callTimeout)
		}
		return domain.Result{}, ctx.Err()
	}
}

func checkResult(res domain.Result, err error) (domain.Result, error) {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return res, err
		}
		return res, fmt.Errorf("%w: %v", domain.ErrAgentFailure, err)
	}
	switch strings.ToLower(res.Status) {
	case "error", "failed":
		msg, _ := res.Output["error"].(string)
		return res, fmt.Errorf("%w: agent reported %s %s", domain.ErrAgentFailure, res.Status, msg)
	}
	return res, nil
}

func (o *Orchestrator) runtime(name string, rec domain.CapabilityRecord) *agentRuntime {
	o.mu.RLock()
	rt, ok := o.runtimes[name]
	o.mu.RUnlock()
	if ok {
		return rt
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if rt, ok = o.runtimes[name]; ok {
		return rt
	}
	rec = rec.WithDefaults()
	rt = &agentRuntime{
		// RateLimit — запросов в минуту, пачка размером в минутную квоту
		limiter: rate.NewLimiter(rate.Limit(float64(rec.RateLimit)/60.0), rec.RateLimit),
		sem:     make(chan struct{}, rec.MaxConcurrent),
	}
	o.runtimes[name] = rt
	return rt
}

// ForgetAgent сбрасывает лимитеры и предохранитель агента (снятие или перерегистрация)
func (o *Orchestrator) ForgetAgent(name string) {
	o.mu.Lock()
	delete(o.runtimes, name)
	o.mu.Unlock()
	o.breakers.Reset(name)
}

func (o *Orchestrator) storeTask(t *domain.Task) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tasks[t.ID] = t
	o.taskOrder = append(o.taskOrder, t.ID)
	// Старые задачи вытесняются без архива: исход остается в audit-логе
	for len(o.taskOrder) > o.tableSize {
		delete(o.tasks, o.taskOrder[0])
		o.taskOrder = o.taskOrder[1:]
	}
}

func (o *Orchestrator) updateTask(id string, fn func(t *domain.Task)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.tasks[id]; ok {
		fn(t)
	}
}

func (o *Orchestrator) finishTask(id string, res *TaskResult) {
	o.updateTask(id, func(t *domain.Task) {
		now := time.Now()
		t.Status = res.Status
		t.CompletedAt = &now
		t.Result = res.Results
		if len(res.Errors) > 0 {
			t.Error = strings.Join(res.Errors, "; ")
		}
	})
}

// GetTask — копия записи задачи
func (o *Orchestrator) GetTask(id string) (domain.Task, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	t, ok := o.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: task %s", domain.ErrNotFound, id)
	}
	return *t, nil
}

// Tasks — задачи в порядке поступления
func (o *Orchestrator) Tasks() []domain.Task {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]domain.Task, 0, len(o.taskOrder))
	for _, id := range o.taskOrder {
		out = append(out, *o.tasks[id])
	}
	return out
}

// CancelRunning отменяет все исполняющиеся задачи (emergency stop)
func (o *Orchestrator) CancelRunning(reason string) int {
	o.mu.Lock()
	cancels := make([]context.CancelCauseFunc, 0, len(o.running))
	for _, c := range o.running {
		cancels = append(cancels, c)
	}
	o.mu.Unlock()

	cause := fmt.Errorf("%w: %s", domain.ErrBlocked, reason)
	for _, c := range cancels {
		c(cause)
	}
	if len(cancels) > 0 {
		o.logger.Warn("running tasks cancelled", zap.Int("count", len(cancels)), zap.String("reason", reason))
	}
	return len(cancels)
}

func (o *Orchestrator) RunningCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.running)
}

func (o *Orchestrator) AgentMetrics(name string) (domain.AgentMetrics, error) {
	e, ok := o.registry.Get(name)
	if !ok {
		return domain.AgentMetrics{}, fmt.Errorf("%w: agent %s", domain.ErrNotFound, name)
	}
	return e.Metrics(), nil
}

// History — последние вызовы агентов, от старых к новым
func (o *Orchestrator) History() []domain.ExecutionRecord {
	return o.history.snapshot()
}

// Board — общая доска процесса (широковещательные сообщения)
func (o *Orchestrator) Board() *SharedContext { return o.board }

// Broadcast оставляет сообщение каждому агенту под ключом message_<agent>.
func (o *Orchestrator) Broadcast(message map[string]any, ttl time.Duration) []string {
	if ttl <= 0 {
		ttl = BroadcastTTL
	}
	names := o.registry.Names()
	for _, name := range names {
		o.board.Share("message_"+name, maps.Clone(message), ttl)
	}
	return names
}

type AgentHealth struct {
	Status  domain.AgentStatus   `json:"status"`
	Report  *domain.HealthReport `json:"report,omitempty"`
	Error   string               `json:"error,omitempty"`
	Breaker breaker.Snapshot     `json:"circuit_breaker"`
	Metrics domain.AgentMetrics  `json:"metrics"`
}

type SystemHealth struct {
	Status       string                 `json:"status"` // healthy | degraded | critical
	Agents       map[string]AgentHealth `json:"agents"`
	RunningTasks int                    `json:"running_tasks"`
	TotalTasks   int                    `json:"total_tasks"`
	CheckedAt    time.Time              `json:"checked_at"`
}

// Health опрашивает агентов, не меняя их статус (это делает Watchdog).
func (o *Orchestrator) Health(ctx context.Context) SystemHealth {
	names := o.registry.Names()
	out := SystemHealth{Agents: make(map[string]AgentHealth, len(names)), CheckedAt: time.Now()}

	healthy := 0
	for _, name := range names {
		e, ok := o.registry.Get(name)
		if !ok {
			continue
		}
		h := AgentHealth{Status: e.Status(), Breaker: o.breakers.Snapshot(name), Metrics: e.Metrics()}
		rep, err := e.Agent.HealthCheck(ctx)
		if err != nil {
			h.Error = err.Error()
		} else {
			h.Report = &rep
		}
		if h.Status == domain.StatusHealthy && err == nil && rep.Status == domain.StatusHealthy {
			healthy++
		}
		out.Agents[name] = h
	}

	switch {
	case healthy == len(names):
		out.Status = "healthy"
	case healthy == 0:
		out.Status = "critical"
	default:
		out.Status = "degraded"
	}

	o.mu.RLock()
	out.RunningTasks = len(o.running)
	out.TotalTasks = len(o.tasks)
	o.mu.RUnlock()
	return out
}
