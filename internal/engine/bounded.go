package engine

/*
BoundedOrchestrator — единая поверхность управления: ядро + Wrapper'ы агентов +
хранилище согласований + KillSwitch. Задача целиком проходит риск-гейт уровня задачи,
каждый вызов агента внутри нее — Guard'ы Wrapper'ов.
*/

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-orchestrator/internal/audit"
	"github.com/xela07ax/spaceai-orchestrator/internal/bounded"
	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator/internal/metrics"
	"github.com/xela07ax/spaceai-orchestrator/internal/policy"
	"github.com/xela07ax/spaceai-orchestrator/internal/repository/sqlstore"
	"github.com/xela07ax/spaceai-orchestrator/internal/risk"
)

// TaskAgentName — agent_name записей согласования уровня задачи
const TaskAgentName = "orchestrator"

// Действия журнала оператора
const (
	ActivityEmergencyStop = "emergency_stop"
	ActivityResume        = "resume_operations"
	ActivityPause         = "pause"
	ActivityUnpause       = "resume"
)

// ApprovalStore — хранилище согласований целиком
type ApprovalStore interface {
	bounded.Store
	Pending(ctx context.Context) ([]*domain.ApprovalRecord, error)
	Details(ctx context.Context, actionID string) (*domain.ActionDetails, error)
	CleanupExpired(ctx context.Context) (int, error)
	CountByStatus(ctx context.Context) (map[domain.ApprovalStatus]int, error)
	RecordActivity(ctx context.Context, operator, action, actionID string, metadata map[string]any) error
	OperatorStatistics(ctx context.Context, operator string) (domain.OperatorStatistics, error)
}

// IncidentSink принимает инциденты уровня системы (Watchdog)
type IncidentSink interface {
	Raise(ctx context.Context, inc domain.Incident)
}

type BoundedDeps struct {
	Store      ApprovalStore
	KillSwitch *KillSwitch
	Classifier risk.Classifier
	Policy     policy.Enforcer
	Settings   *bounded.Settings
	Auditor    audit.Auditor
	Metrics    *metrics.Metrics
	Incidents  IncidentSink // может быть nil
}

// TaskOutcome — ответ ExecuteTask. Статус либо шлюза (blocked, queued, pending_approval),
// либо итог задачи (completed, failed, cancelled).
type TaskOutcome struct {
	Status     string           `json:"status"`
	TaskID     string           `json:"task_id,omitempty"`
	ActionID   string           `json:"action_id,omitempty"`
	RiskLevel  domain.RiskLevel `json:"risk_level"`
	Reason     string           `json:"reason,omitempty"`
	ReviewHint string           `json:"review_hint,omitempty"`
	Error      string           `json:"error,omitempty"`
	Result     *TaskResult      `json:"result,omitempty"`
}

// ApprovalOutcome — итог одобрения: действие агента или задача целиком
type ApprovalOutcome struct {
	ActionID string               `json:"action_id"`
	Status   string               `json:"status"`
	Action   *domain.ActionResult `json:"action,omitempty"`
	Task     *TaskOutcome         `json:"task,omitempty"`
}

type EmergencyReport struct {
	Status         string    `json:"status"`
	Reason         string    `json:"reason"`
	PendingAudited int       `json:"pending_actions_audited"`
	TasksCancelled int       `json:"tasks_cancelled"`
	Timestamp      time.Time `json:"timestamp"`
}

type ResumeReport struct {
	Status      string `json:"status"`
	QueuedTasks int    `json:"queued_tasks"`
}

type pendingTask struct {
	req  TaskRequest
	risk domain.RiskLevel
}

type BoundedOrchestrator struct {
	core *Orchestrator
	deps BoundedDeps

	mu       sync.RWMutex
	wrappers map[string]*bounded.Wrapper
	tasks    map[string]*pendingTask // actionID -> задача на согласовании
	queued   []TaskRequest           // накоплены во время паузы

	logger *zap.Logger
}

func NewBoundedOrchestrator(core *Orchestrator, deps BoundedDeps, logger *zap.Logger) *BoundedOrchestrator {
	if deps.Auditor == nil {
		deps.Auditor = audit.Nop{}
	}
	if deps.Settings == nil {
		deps.Settings = bounded.NewSettings(true, 0)
	}
	if deps.Metrics == nil {
		deps.Metrics = core.metrics
	}
	o := &BoundedOrchestrator{
		core:     core,
		deps:     deps,
		wrappers: make(map[string]*bounded.Wrapper),
		tasks:    make(map[string]*pendingTask),
		logger:   logger.Named("bounded"),
	}
	core.SetGuard(o)
	deps.KillSwitch.OnRemoteSignal(o.onRemoteSignal)
	return o
}

func (o *BoundedOrchestrator) Core() *Orchestrator { return o.core }

func (o *BoundedOrchestrator) Health(ctx context.Context) SystemHealth   { return o.core.Health(ctx) }
func (o *BoundedOrchestrator) GetTask(id string) (domain.Task, error)    { return o.core.GetTask(id) }

// RegisterAgent регистрирует агента в реестре и оборачивает его.
func (o *BoundedOrchestrator) RegisterAgent(ctx context.Context, agent domain.Agent, rec domain.CapabilityRecord) error {
	reg := o.core.Registry()
	if err := reg.Register(ctx, agent, rec); err != nil {
		return err
	}
	// Параллельный UnregisterAgent мог успеть снять агента
	entry, ok := reg.Get(agent.Name())
	if !ok {
		return fmt.Errorf("%w: agent %s was unregistered during registration", domain.ErrNotFound, agent.Name())
	}

	w := bounded.NewWrapper(agent, entry.Functions, bounded.Deps{
		Classifier: o.deps.Classifier,
		Policy:     o.deps.Policy,
		Store:      o.deps.Store,
		Controls:   o.deps.KillSwitch,
		Auditor:    o.deps.Auditor,
		Settings:   o.deps.Settings,
	}, o.logger)

	o.mu.Lock()
	o.wrappers[agent.Name()] = w
	o.mu.Unlock()
	return nil
}

// UnregisterAgent снимает агента. Его записи в хранилище остаются.
func (o *BoundedOrchestrator) UnregisterAgent(name string) error {
	if err := o.core.Registry().Unregister(name); err != nil {
		return err
	}
	o.core.ForgetAgent(name)
	o.mu.Lock()
	delete(o.wrappers, name)
	o.mu.Unlock()
	return nil
}

func (o *BoundedOrchestrator) wrapper(name string) (*bounded.Wrapper, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	w, ok := o.wrappers[name]
	return w, ok
}

// ExecuteFunction — прямой вызов функции агента через его Wrapper
func (o *BoundedOrchestrator) ExecuteFunction(ctx context.Context, agentName, functionName string, params map[string]any, override *bool) domain.ActionResult {
	w, ok := o.wrapper(agentName)
	if !ok {
		return domain.ActionResult{
			Status: domain.ActionFailed,
			Error:  fmt.Sprintf("%v: agent %s", domain.ErrNotFound, agentName),
		}
	}
	res := w.Execute(ctx, functionName, params, override)
	if res.Status == domain.ActionPendingApproval {
		o.refreshPendingGauge(ctx)
	}
	return res
}

// ExecuteTask — задача через риск-гейт уровня задачи.
func (o *BoundedOrchestrator) ExecuteTask(ctx context.Context, req TaskRequest, requireApproval *bool) *TaskOutcome {
	ks := o.deps.KillSwitch
	if ks.Stopped() {
		o.deps.Metrics.ErrorTotal.WithLabelValues(metrics.ErrTypeBlocked).Inc()
		return &TaskOutcome{
			Status: string(domain.ActionBlocked),
			TaskID: req.ID,
			Reason: domain.ReasonEmergencyStop,
			Error:  "system is in emergency stop mode",
		}
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if ks.Paused() {
		o.mu.Lock()
		o.queued = append(o.queued, req)
		o.mu.Unlock()
		o.logger.Info("task queued while paused", zap.String("task_id", req.ID))
		return &TaskOutcome{Status: string(domain.ActionQueued), TaskID: req.ID, Reason: domain.ReasonPaused}
	}

	plan, err := o.core.Plan(req)
	if err != nil {
		res := o.core.ExecuteTask(ctx, req)
		return &TaskOutcome{Status: string(res.Status), TaskID: req.ID, Error: err.Error(), Result: res}
	}

	level := o.deps.Classifier.AssessTask(req.Type, req.Parameters, len(plan.Agents))
	requires := level != domain.RiskLow || !o.deps.Settings.AutoApproveLowRisk()
	if requireApproval != nil {
		requires = *requireApproval
	}
	if requires {
		return o.submitTask(ctx, req, plan, level)
	}

	res := o.core.Run(ctx, req, plan)
	return &TaskOutcome{Status: string(res.Status), TaskID: res.TaskID, RiskLevel: level, Result: res}
}

func (o *BoundedOrchestrator) submitTask(ctx context.Context, req TaskRequest, plan *Plan, level domain.RiskLevel) *TaskOutcome {
	actionID := uuid.NewString()
	_, err := o.deps.Store.Submit(ctx, sqlstore.SubmitRequest{
		ActionID:     actionID,
		AgentName:    TaskAgentName,
		FunctionName: req.Type,
		Parameters: bounded.SanitizeParams(map[string]any{
			"task_id":               req.ID,
			"task_type":             req.Type,
			"required_capabilities": req.RequiredCapabilities,
			"priority":              int(req.Priority),
			"agents":                plan.Agents,
			"parameters":            req.Parameters,
		}),
		RiskLevel:    level,
		WorkflowType: domain.WorkflowFor(level),
		Timeout:      o.deps.Settings.ApprovalTimeout(),
	})
	if err != nil {
		o.logger.Error("failed to submit task for review", zap.String("task_id", req.ID), zap.Error(err))
		return &TaskOutcome{Status: string(domain.ActionFailed), TaskID: req.ID, RiskLevel: level, Error: err.Error()}
	}

	o.mu.Lock()
	o.tasks[actionID] = &pendingTask{req: req, risk: level}
	o.mu.Unlock()

	o.deps.Auditor.Log(audit.Event{
		ActionID:       actionID,
		AgentName:      TaskAgentName,
		FunctionName:   req.Type,
		Event:          audit.EventSubmitted,
		RiskLevel:      level.String(),
		ApprovalStatus: string(domain.ApprovalPending),
		Metadata:       map[string]any{"task_id": req.ID, "agents": plan.Agents},
	})
	o.refreshPendingGauge(ctx)
	o.logger.Info("task requires approval", zap.String("task_id", req.ID),
		zap.String("action_id", actionID), zap.Stringer("risk", level))

	return &TaskOutcome{
		Status:     string(domain.ActionPendingApproval),
		TaskID:     req.ID,
		ActionID:   actionID,
		RiskLevel:  level,
		ReviewHint: bounded.ReviewHint(actionID),
	}
}

// Approve одобряет действие, маршрутизируя его к задаче или к Wrapper'у агента.
func (o *BoundedOrchestrator) Approve(ctx context.Context, actionID, operator, notes string) (*ApprovalOutcome, error) {
	defer o.refreshPendingGauge(ctx)

	rec, err := o.deps.Store.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}

	if rec.AgentName == TaskAgentName {
		dec, err := o.deps.Store.Approve(ctx, actionID, operator, notes)
		if err != nil {
			return nil, err
		}
		if dec.Status == domain.ApprovalExpired {
			o.takeTask(actionID)
			return &ApprovalOutcome{ActionID: actionID, Status: string(domain.ActionExpired)}, nil
		}
		out, err := o.ExecuteApprovedTask(ctx, actionID)
		if err != nil {
			return nil, err
		}
		return &ApprovalOutcome{ActionID: actionID, Status: out.Status, Task: out}, nil
	}

	w, ok := o.wrapper(rec.AgentName)
	if !ok {
		return nil, fmt.Errorf("%w: agent %s is not registered", domain.ErrNotFound, rec.AgentName)
	}
	res, err := w.ApproveAction(ctx, actionID, operator, notes)
	if err != nil {
		return nil, err
	}
	return &ApprovalOutcome{ActionID: actionID, Status: string(res.Status), Action: &res}, nil
}

// ExecuteApprovedTask исполняет одобренную задачу. Задачу, которой нет в памяти
// (рестарт процесса), восстанавливает из записи хранилища.
func (o *BoundedOrchestrator) ExecuteApprovedTask(ctx context.Context, actionID string) (*TaskOutcome, error) {
	rec, err := o.deps.Store.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if rec.AgentName != TaskAgentName {
		return nil, fmt.Errorf("%w: task action %s", domain.ErrNotFound, actionID)
	}
	if rec.Status != domain.ApprovalApproved {
		return nil, fmt.Errorf("%w: task action %s is %s", domain.ErrNotPending, actionID, rec.Status)
	}

	pt := o.takeTask(actionID)
	if pt == nil {
		pt = taskFromRecord(rec)
	}

	if o.deps.KillSwitch.Stopped() {
		// Одобрение сохранено: задачу можно исполнить после снятия остановки
		return &TaskOutcome{
			Status:    string(domain.ActionBlocked),
			TaskID:    pt.req.ID,
			ActionID:  actionID,
			RiskLevel: pt.risk,
			Reason:    domain.ReasonEmergencyStop,
		}, nil
	}

	// approved -> executing: второй параллельный вызов сюда не пройдет
	claimed, err := o.deps.Store.ClaimExecution(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, fmt.Errorf("%w: task action %s is already executing", domain.ErrNotPending, actionID)
	}

	res := o.core.ExecuteTask(ctx, pt.req)
	payload := map[string]any{"status": string(res.Status), "task_id": res.TaskID, "errors": res.Errors}
	if ok, err := o.deps.Store.MarkExecuted(ctx, actionID, payload); err != nil {
		o.logger.Error("failed to mark task executed", zap.String("action_id", actionID), zap.Error(err))
	} else if !ok {
		o.logger.Warn("task action was not in executing state when marking executed", zap.String("action_id", actionID))
	}

	return &TaskOutcome{
		Status:    string(res.Status),
		TaskID:    res.TaskID,
		ActionID:  actionID,
		RiskLevel: pt.risk,
		Result:    res,
	}, nil
}

func taskFromRecord(rec *domain.ApprovalRecord) *pendingTask {
	p := rec.Parameters
	req := TaskRequest{Type: rec.FunctionName}
	if id, ok := p["task_id"].(string); ok {
		req.ID = id
	}
	if caps, ok := p["required_capabilities"].([]any); ok {
		for _, c := range caps {
			if s, ok := c.(string); ok {
				req.RequiredCapabilities = append(req.RequiredCapabilities, s)
			}
		}
	}
	if pr, ok := p["priority"].(float64); ok {
		req.Priority = domain.Priority(int(pr))
	}
	if params, ok := p["parameters"].(map[string]any); ok {
		req.Parameters = params
	}
	return &pendingTask{req: req, risk: rec.RiskLevel}
}

// Reject отклоняет действие или задачу. Исполнения не будет.
func (o *BoundedOrchestrator) Reject(ctx context.Context, actionID, operator, reason string) (*domain.Decision, error) {
	defer o.refreshPendingGauge(ctx)

	rec, err := o.deps.Store.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if rec.AgentName != TaskAgentName {
		if w, ok := o.wrapper(rec.AgentName); ok {
			return w.RejectAction(ctx, actionID, operator, reason)
		}
	}

	dec, err := o.deps.Store.Reject(ctx, actionID, operator, reason)
	if err != nil {
		return nil, err
	}
	o.takeTask(actionID)
	o.deps.Auditor.Log(audit.Event{
		ActionID:       actionID,
		AgentName:      rec.AgentName,
		FunctionName:   rec.FunctionName,
		Event:          audit.EventRejected,
		RiskLevel:      rec.RiskLevel.String(),
		ApprovalStatus: string(domain.ApprovalRejected),
		Metadata:       map[string]any{"operator": operator, "reason": reason},
	})
	return dec, nil
}

func (o *BoundedOrchestrator) takeTask(actionID string) *pendingTask {
	o.mu.Lock()
	defer o.mu.Unlock()
	pt, ok := o.tasks[actionID]
	if !ok {
		return nil
	}
	delete(o.tasks, actionID)
	return pt
}

// EmergencyStop останавливает все: флаг, аудит ожидающих действий, отмена задач.
func (o *BoundedOrchestrator) EmergencyStop(ctx context.Context, reason, operator string) (*EmergencyReport, error) {
	if err := o.deps.KillSwitch.Engage(ctx, reason); err != nil {
		// Локальный флаг уже стоит, шина недоступна — продолжаем
		o.logger.Error("emergency stop broadcast failed", zap.Error(err))
	}

	report := &EmergencyReport{
		Status:    "emergency_stopped",
		Reason:    reason,
		Timestamp: time.Now(),
	}
	report.PendingAudited = o.auditPending(reason)
	report.TasksCancelled = o.core.CancelRunning(reason)

	o.deps.Auditor.Log(audit.Event{
		ActionID:  uuid.NewString(),
		AgentName: TaskAgentName,
		Event:     audit.EventEmergencyStop,
		Metadata: map[string]any{
			"reason":          reason,
			"operator":        operator,
			"pending_audited": report.PendingAudited,
			"tasks_cancelled": report.TasksCancelled,
		},
	})
	if o.deps.Incidents != nil {
		o.deps.Incidents.Raise(ctx, domain.Incident{
			Agent:                TaskAgentName,
			Type:                 domain.IncidentEmergencyStop,
			Severity:             domain.SeverityCritical,
			RequiresIntervention: true,
			Message:              fmt.Sprintf("emergency stop engaged by %s: %s", operator, reason),
			Details:              map[string]any{"tasks_cancelled": report.TasksCancelled},
		})
	}
	if err := o.deps.Store.RecordActivity(ctx, operator, ActivityEmergencyStop, "", map[string]any{"reason": reason}); err != nil {
		return report, err
	}
	return report, nil
}

func (o *BoundedOrchestrator) auditPending(reason string) int {
	o.mu.RLock()
	wrappers := make([]*bounded.Wrapper, 0, len(o.wrappers))
	for _, w := range o.wrappers {
		wrappers = append(wrappers, w)
	}
	tasks := make(map[string]*pendingTask, len(o.tasks))
	for id, pt := range o.tasks {
		tasks[id] = pt
	}
	o.mu.RUnlock()

	n := 0
	for _, w := range wrappers {
		n += w.AuditPending(reason)
	}
	for id, pt := range tasks {
		o.deps.Auditor.Log(audit.Event{
			ActionID:       id,
			AgentName:      TaskAgentName,
			FunctionName:   pt.req.Type,
			Event:          audit.EventEmergencyPending,
			RiskLevel:      pt.risk.String(),
			ApprovalStatus: string(domain.ApprovalPending),
			Metadata:       map[string]any{"reason": reason, "task_id": pt.req.ID},
		})
		n++
	}
	return n
}

// onRemoteSignal — другой процесс включил emergency-stop: отменяем свои задачи
func (o *BoundedOrchestrator) onRemoteSignal(signal string, on bool) {
	if signal != SignalEmergency || !on {
		return
	}
	o.auditPending("remote emergency stop")
	o.core.CancelRunning("remote emergency stop")
}

// ResumeOperations снимает emergency-stop
func (o *BoundedOrchestrator) ResumeOperations(ctx context.Context, operator string) (string, error) {
	if err := o.deps.KillSwitch.Release(ctx); err != nil {
		o.logger.Error("resume broadcast failed", zap.Error(err))
	}
	o.deps.Auditor.Log(audit.Event{
		ActionID:  uuid.NewString(),
		AgentName: TaskAgentName,
		Event:     audit.EventResumed,
		Metadata:  map[string]any{"operator": operator},
	})
	if err := o.deps.Store.RecordActivity(ctx, operator, ActivityResume, "", nil); err != nil {
		return "", err
	}
	return "resumed", nil
}

// Pause — новые задачи и действия копятся, ожидающие согласования не трогаются
func (o *BoundedOrchestrator) Pause(ctx context.Context, operator string) (string, error) {
	if err := o.deps.KillSwitch.Pause(ctx); err != nil {
		o.logger.Error("pause broadcast failed", zap.Error(err))
	}
	if err := o.deps.Store.RecordActivity(ctx, operator, ActivityPause, "", nil); err != nil {
		return "", err
	}
	return "paused", nil
}

// Resume снимает паузу. Накопленные задачи запускает DrainQueued.
func (o *BoundedOrchestrator) Resume(ctx context.Context, operator string) (*ResumeReport, error) {
	if err := o.deps.KillSwitch.Resume(ctx); err != nil {
		o.logger.Error("resume broadcast failed", zap.Error(err))
	}
	if err := o.deps.Store.RecordActivity(ctx, operator, ActivityUnpause, "", nil); err != nil {
		return nil, err
	}
	o.mu.RLock()
	n := len(o.queued)
	o.mu.RUnlock()
	return &ResumeReport{Status: "resumed", QueuedTasks: n}, nil
}

// DrainQueued запускает задачи, накопленные во время паузы, в порядке поступления
func (o *BoundedOrchestrator) DrainQueued(ctx context.Context) []*TaskOutcome {
	o.mu.Lock()
	queued := o.queued
	o.queued = nil
	o.mu.Unlock()

	out := make([]*TaskOutcome, 0, len(queued))
	for _, req := range queued {
		out = append(out, o.ExecuteTask(ctx, req, nil))
	}
	return out
}

type ReconcileSummary struct {
	Executed int `json:"executed"`
	Evicted  int `json:"evicted"`
}

// Reconcile подтягивает решения, принятые мимо процесса (CLI), для действий и задач.
func (o *BoundedOrchestrator) Reconcile(ctx context.Context) (ReconcileSummary, error) {
	defer o.refreshPendingGauge(ctx)
	var sum ReconcileSummary

	o.mu.RLock()
	wrappers := make([]*bounded.Wrapper, 0, len(o.wrappers))
	for _, w := range o.wrappers {
		wrappers = append(wrappers, w)
	}
	taskIDs := make([]string, 0, len(o.tasks))
	for id := range o.tasks {
		taskIDs = append(taskIDs, id)
	}
	o.mu.RUnlock()

	var errs []error
	for _, w := range wrappers {
		rep, err := w.Reconcile(ctx)
		sum.Executed += len(rep.Executed)
		sum.Evicted += len(rep.Evicted)
		if err != nil {
			errs = append(errs, fmt.Errorf("agent %s: %w", w.AgentName(), err))
		}
	}

	for _, id := range taskIDs {
		rec, err := o.deps.Store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				o.takeTask(id)
				sum.Evicted++
				continue
			}
			errs = append(errs, err)
			continue
		}
		switch rec.Status {
		case domain.ApprovalPending:
		case domain.ApprovalApproved:
			if o.deps.KillSwitch.Stopped() {
				continue
			}
			if _, err := o.ExecuteApprovedTask(ctx, id); err != nil {
				if !errors.Is(err, domain.ErrNotPending) {
					errs = append(errs, err)
				}
				continue
			}
			sum.Executed++
		default:
			o.takeTask(id)
			sum.Evicted++
		}
	}

	if sum.Executed > 0 || sum.Evicted > 0 {
		o.logger.Info("approval cache reconciled", zap.Int("executed", sum.Executed), zap.Int("evicted", sum.Evicted))
	}
	return sum, errors.Join(errs...)
}

// CleanupExpired переводит просроченные pending в expired и вычищает кэши
func (o *BoundedOrchestrator) CleanupExpired(ctx context.Context) (int, error) {
	n, err := o.deps.Store.CleanupExpired(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		o.logger.Info("expired approvals swept", zap.Int("count", n))
		if _, err := o.Reconcile(ctx); err != nil {
			o.logger.Warn("reconcile after cleanup failed", zap.Error(err))
		}
	}
	return n, nil
}

func (o *BoundedOrchestrator) PendingApprovals(ctx context.Context) ([]*domain.ApprovalRecord, error) {
	return o.deps.Store.Pending(ctx)
}

func (o *BoundedOrchestrator) ActionDetails(ctx context.Context, actionID string) (*domain.ActionDetails, error) {
	return o.deps.Store.Details(ctx, actionID)
}

func (o *BoundedOrchestrator) OperatorStatistics(ctx context.Context, operator string) (domain.OperatorStatistics, error) {
	return o.deps.Store.OperatorStatistics(ctx, operator)
}

// RecordActivity — действия оператора вне очереди (например, снятие halt)
func (o *BoundedOrchestrator) RecordActivity(ctx context.Context, operator, action, actionID string, metadata map[string]any) error {
	return o.deps.Store.RecordActivity(ctx, operator, action, actionID, metadata)
}

func (o *BoundedOrchestrator) refreshPendingGauge(ctx context.Context) {
	counts, err := o.deps.Store.CountByStatus(ctx)
	if err != nil {
		o.logger.Warn("failed to count approvals", zap.Error(err))
		return
	}
	o.deps.Metrics.PendingApprovals.Set(float64(counts[domain.ApprovalPending]))
}

type ControlsStatus struct {
	ControlState
	LocalOnly          bool `json:"local_only"`
	AutoApproveLowRisk bool `json:"auto_approve_low_risk"`
}

type WrappedAgentStatus struct {
	BoundedControls ControlsStatus `json:"bounded_controls"`
	PendingActions  int            `json:"pending_actions"`
}

type BoundedSection struct {
	SystemControls   ControlsStatus                `json:"system_controls"`
	WrappedAgents    map[string]WrappedAgentStatus `json:"wrapped_agents"`
	PendingApprovals int                           `json:"pending_approvals"`
	PendingTasks     int                           `json:"pending_tasks"`
	QueuedTasks      int                           `json:"queued_tasks"`
}

type BoundedStatus struct {
	Orchestrator    SystemHealth   `json:"orchestrator"`
	BoundedAutonomy BoundedSection `json:"bounded_autonomy"`
}

func (o *BoundedOrchestrator) Status(ctx context.Context) (*BoundedStatus, error) {
	controls := ControlsStatus{
		ControlState:       o.deps.KillSwitch.State(),
		AutoApproveLowRisk: o.deps.Settings.AutoApproveLowRisk(),
	}
	if np, ok := o.deps.Policy.(interface{ LocalOnly() bool }); ok {
		controls.LocalOnly = np.LocalOnly()
	}

	counts, err := o.deps.Store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	st := &BoundedStatus{
		Orchestrator: o.core.Health(ctx),
		BoundedAutonomy: BoundedSection{
			SystemControls:   controls,
			WrappedAgents:    make(map[string]WrappedAgentStatus),
			PendingApprovals: counts[domain.ApprovalPending],
		},
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	for name, w := range o.wrappers {
		st.BoundedAutonomy.WrappedAgents[name] = WrappedAgentStatus{
			BoundedControls: controls,
			PendingActions:  w.PendingCount(),
		}
	}
	st.BoundedAutonomy.PendingTasks = len(o.tasks)
	st.BoundedAutonomy.QueuedTasks = len(o.queued)
	return st, nil
}

// BeforeAgent реализует Guard ядра
func (o *BoundedOrchestrator) BeforeAgent(ctx context.Context, inv Invocation) error {
	if w, ok := o.wrapper(inv.Agent); ok {
		return w.BeforeInvoke(ctx, inv.TaskID, inv.TaskType)
	}
	if o.deps.KillSwitch.Stopped() {
		return fmt.Errorf("%w: %s", domain.ErrBlocked, domain.ReasonEmergencyStop)
	}
	return nil
}

func (o *BoundedOrchestrator) AfterAgent(_ context.Context, inv Invocation, _ domain.Result, err error, d time.Duration) {
	if w, ok := o.wrapper(inv.Agent); ok {
		w.AfterInvoke(inv.TaskID, inv.TaskType, err, d)
	}
}
