package bounded

/*
Wrapper — граница автономии одного агента. Каждый вызов функции проходит:
emergency-stop -> pause -> оценка риска -> (очередь согласования | сетевая изоляция -> исполнение).
Хранилище согласований — источник правды, кэш действий в памяти сверяется с ним.
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
	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator/internal/policy"
	"github.com/xela07ax/spaceai-orchestrator/internal/repository/sqlstore"
	"github.com/xela07ax/spaceai-orchestrator/internal/risk"
)

// Controls — глобальные флаги остановки (KillSwitch)
type Controls interface {
	Stopped() bool
	Paused() bool
}

// Store — то, что Wrapper'у нужно от хранилища согласований
type Store interface {
	Submit(ctx context.Context, req sqlstore.SubmitRequest) (*domain.Submission, error)
	Approve(ctx context.Context, actionID, operator, notes string) (*domain.Decision, error)
	Reject(ctx context.Context, actionID, operator, reason string) (*domain.Decision, error)
	Get(ctx context.Context, actionID string) (*domain.ApprovalRecord, error)
	ClaimExecution(ctx context.Context, actionID string) (bool, error)
	ReleaseExecution(ctx context.Context, actionID string) error
	MarkExecuted(ctx context.Context, actionID string, result map[string]any) (bool, error)
}

type Deps struct {
	Classifier risk.Classifier
	Policy     policy.Enforcer
	Store      Store
	Controls   Controls
	Auditor    audit.Auditor
	Settings   *Settings
}

// pendingAction — действие в ожидании решения вместе с исходными параметрами
type pendingAction struct {
	action *domain.BoundedAction
	params map[string]any
}

type Wrapper struct {
	agent domain.Agent
	funcs map[string]domain.AgentFunc
	deps  Deps

	mu      sync.Mutex
	pending map[string]*pendingAction

	logger *zap.Logger
}

// NewWrapper оборачивает агента. funcs — таблица функций, проверенная реестром.
func NewWrapper(agent domain.Agent, funcs map[string]domain.AgentFunc, deps Deps, logger *zap.Logger) *Wrapper {
	if deps.Auditor == nil {
		deps.Auditor = audit.Nop{}
	}
	if deps.Settings == nil {
		deps.Settings = NewSettings(true, 0)
	}
	return &Wrapper{
		agent:   agent,
		funcs:   funcs,
		deps:    deps,
		pending: make(map[string]*pendingAction),
		logger:  logger.With(zap.String("mod", "bounded"), zap.String("agent", agent.Name())),
	}
}

func (w *Wrapper) AgentName() string { return w.agent.Name() }

func (w *Wrapper) lookup(functionName string) (domain.AgentFunc, bool) {
	if functionName == domain.CoreFunction {
		return func(ctx context.Context, params map[string]any) (domain.Result, error) {
			return w.agent.ExecuteCore(ctx, domain.ExecutionInput{Parameters: params})
		}, true
	}
	f, ok := w.funcs[functionName]
	return f, ok
}

// Execute — вызов функции агента с проверками. Конфликты возвращаются статусом, а не ошибкой.
// override != nil принудительно задает необходимость согласования.
func (w *Wrapper) Execute(ctx context.Context, functionName string, params map[string]any, override *bool) domain.ActionResult {
	call, ok := w.lookup(functionName)
	if !ok {
		return domain.ActionResult{
			Status: domain.ActionFailed,
			Error:  fmt.Sprintf("%v: function %s.%s", domain.ErrNotFound, w.agent.Name(), functionName),
		}
	}

	if w.deps.Controls.Stopped() {
		w.logger.Warn("action blocked by emergency stop", zap.String("function", functionName))
		return domain.ActionResult{
			Status: domain.ActionBlocked,
			Reason: domain.ReasonEmergencyStop,
			Error:  "system is in emergency stop mode",
		}
	}
	if w.deps.Controls.Paused() {
		return domain.ActionResult{Status: domain.ActionQueued, Reason: domain.ReasonPaused}
	}

	action := &domain.BoundedAction{
		ID:           uuid.NewString(),
		AgentName:    w.agent.Name(),
		FunctionName: functionName,
		Parameters:   SanitizeParams(params),
		CreatedAt:    time.Now(),
	}
	w.record(action, audit.EventActionCreated, nil)

	action.RiskLevel = w.deps.Classifier.AssessAction(functionName, params)
	w.record(action, audit.EventRiskAssessed, map[string]any{"risk_level": action.RiskLevel.String()})

	if override != nil {
		action.RequiresApproval = *override
	} else {
		action.RequiresApproval = action.RiskLevel != domain.RiskLow || !w.deps.Settings.AutoApproveLowRisk()
	}

	if action.RequiresApproval {
		return w.submit(ctx, action, params)
	}

	action.ApprovalStatus = domain.ApprovalApproved
	return w.run(ctx, action, call, params)
}

func (w *Wrapper) submit(ctx context.Context, action *domain.BoundedAction, params map[string]any) domain.ActionResult {
	action.ApprovalStatus = domain.ApprovalPending
	sub, err := w.deps.Store.Submit(ctx, sqlstore.SubmitRequest{
		ActionID:     action.ID,
		AgentName:    action.AgentName,
		FunctionName: action.FunctionName,
		Parameters:   action.Parameters,
		RiskLevel:    action.RiskLevel,
		WorkflowType: domain.WorkflowFor(action.RiskLevel),
		Timeout:      w.deps.Settings.ApprovalTimeout(),
	})
	if err != nil {
		w.logger.Error("failed to submit action for review", zap.String("action_id", action.ID), zap.Error(err))
		return domain.ActionResult{
			Status:    domain.ActionFailed,
			ActionID:  action.ID,
			RiskLevel: action.RiskLevel,
			Error:     err.Error(),
		}
	}

	w.mu.Lock()
	w.pending[action.ID] = &pendingAction{action: action, params: params}
	w.mu.Unlock()

	w.record(action, audit.EventSubmitted, map[string]any{
		"workflow":   string(sub.Workflow),
		"timeout_at": sub.TimeoutAt,
	})
	w.logger.Info("action requires approval",
		zap.String("action_id", action.ID),
		zap.String("function", action.FunctionName),
		zap.Stringer("risk", action.RiskLevel))

	return domain.ActionResult{
		Status:     domain.ActionPendingApproval,
		ActionID:   action.ID,
		RiskLevel:  action.RiskLevel,
		ReviewHint: ReviewHint(action.ID),
	}
}

// ReviewHint — подсказка оператору, как принять решение
func ReviewHint(actionID string) string {
	return fmt.Sprintf("reviewctl show %s; reviewctl approve %s --operator <name>", actionID, actionID)
}

// run исполняет одобренное действие после проверки сетевой изоляции
func (w *Wrapper) run(ctx context.Context, action *domain.BoundedAction, call domain.AgentFunc, params map[string]any) domain.ActionResult {
	out := domain.ActionResult{ActionID: action.ID, RiskLevel: action.RiskLevel}

	allowed, err := w.deps.Policy.Authorize(ctx, action.AgentName, action.FunctionName)
	if err != nil || !allowed {
		w.record(action, audit.EventBlocked, map[string]any{"reason": domain.ReasonNetworkDisallowed})
		w.logger.Warn("network access blocked in local-only mode", zap.String("function", action.FunctionName))
		out.Status = domain.ActionBlocked
		out.Reason = domain.ReasonNetworkDisallowed
		if err != nil {
			out.Error = err.Error()
		}
		return out
	}

	start := time.Now()
	res, err := call(ctx, params)
	took := time.Since(start)

	w.mu.Lock()
	now := time.Now()
	action.ExecutedAt = &now
	w.mu.Unlock()

	if err != nil {
		w.record(action, audit.EventExecutionFailed, map[string]any{
			"error":       err.Error(),
			"duration_ms": took.Milliseconds(),
		})
		out.Status = domain.ActionFailed
		out.Error = fmt.Sprintf("%v: %v", domain.ErrAgentFailure, err)
		return out
	}

	w.mu.Lock()
	action.Result = &res
	w.mu.Unlock()
	w.record(action, audit.EventExecuted, map[string]any{"duration_ms": took.Milliseconds()})
	out.Status = domain.ActionExecuted
	out.Result = &res
	return out
}

// ApproveAction одобряет действие в хранилище и сразу исполняет его.
// Ошибки хранилища (ErrNotFound, ErrNotPending) отдаются вызывающему как есть.
func (w *Wrapper) ApproveAction(ctx context.Context, actionID, operator, notes string) (domain.ActionResult, error) {
	dec, err := w.deps.Store.Approve(ctx, actionID, operator, notes)
	if err != nil {
		return domain.ActionResult{}, err
	}

	pa, err := w.takeOrLoad(ctx, actionID)
	if err != nil {
		return domain.ActionResult{}, err
	}

	if dec.Status == domain.ApprovalExpired {
		w.setApproval(pa.action, domain.ApprovalExpired, "", nil)
		w.record(pa.action, audit.EventExpired, map[string]any{"operator": operator})
		return domain.ActionResult{Status: domain.ActionExpired, ActionID: actionID, RiskLevel: pa.action.RiskLevel}, nil
	}

	at := dec.DecidedAt
	w.setApproval(pa.action, domain.ApprovalApproved, operator, &at)
	w.record(pa.action, audit.EventApproved, map[string]any{"operator": operator, "notes": notes})
	return w.executeApproved(ctx, pa), nil
}

// executeApproved исполняет уже одобренное действие и фиксирует исполнение в хранилище
func (w *Wrapper) executeApproved(ctx context.Context, pa *pendingAction) domain.ActionResult {
	action := pa.action
	if w.deps.Controls.Stopped() {
		// Одобрение сохранено, исполнение остановлено
		w.record(action, audit.EventBlocked, map[string]any{"reason": domain.ReasonEmergencyStop})
		return domain.ActionResult{
			Status:    domain.ActionBlocked,
			ActionID:  action.ID,
			RiskLevel: action.RiskLevel,
			Reason:    domain.ReasonEmergencyStop,
		}
	}

	call, ok := w.lookup(action.FunctionName)
	if !ok {
		return domain.ActionResult{
			Status:    domain.ActionFailed,
			ActionID:  action.ID,
			RiskLevel: action.RiskLevel,
			Error:     fmt.Sprintf("%v: function %s.%s", domain.ErrNotFound, action.AgentName, action.FunctionName),
		}
	}

	// Одобренное действие исполняется ровно один раз, даже при гонке ApproveAction и Reconcile
	claimed, err := w.deps.Store.ClaimExecution(ctx, action.ID)
	if err != nil {
		w.logger.Error("failed to claim action execution", zap.String("action_id", action.ID), zap.Error(err))
		return domain.ActionResult{
			Status:    domain.ActionFailed,
			ActionID:  action.ID,
			RiskLevel: action.RiskLevel,
			Error:     err.Error(),
		}
	}
	if !claimed {
		w.logger.Info("action execution already claimed", zap.String("action_id", action.ID))
		return domain.ActionResult{
			Status:    domain.ActionBlocked,
			ActionID:  action.ID,
			RiskLevel: action.RiskLevel,
			Reason:    domain.ReasonAlreadyExecuting,
		}
	}

	res := w.run(ctx, action, call, pa.params)
	if res.Status == domain.ActionBlocked {
		// Агент не вызывался, запись остается approved
		if err := w.deps.Store.ReleaseExecution(ctx, action.ID); err != nil {
			w.logger.Error("failed to release action execution", zap.String("action_id", action.ID), zap.Error(err))
		}
		return res
	}

	payload := map[string]any{"status": string(res.Status)}
	if res.Result != nil {
		payload["result"] = Sanitize(*res.Result, DefaultMaxDepth)
	}
	if res.Error != "" {
		payload["error"] = res.Error
	}
	ok, err = w.deps.Store.MarkExecuted(ctx, action.ID, payload)
	if err != nil {
		w.logger.Error("failed to mark action executed", zap.String("action_id", action.ID), zap.Error(err))
	} else if !ok {
		w.logger.Warn("action was not in executing state when marking executed", zap.String("action_id", action.ID))
	}
	return res
}

// RejectAction отклоняет действие. Исполнения не будет.
func (w *Wrapper) RejectAction(ctx context.Context, actionID, operator, reason string) (*domain.Decision, error) {
	dec, err := w.deps.Store.Reject(ctx, actionID, operator, reason)
	if err != nil {
		return nil, err
	}
	if pa := w.take(actionID); pa != nil {
		w.setApproval(pa.action, domain.ApprovalRejected, "", nil)
		w.record(pa.action, audit.EventRejected, map[string]any{"operator": operator, "reason": reason})
	} else {
		w.deps.Auditor.Log(audit.Event{
			ActionID:       actionID,
			AgentName:      w.agent.Name(),
			Event:          audit.EventRejected,
			ApprovalStatus: string(domain.ApprovalRejected),
			Metadata:       map[string]any{"operator": operator, "reason": reason},
		})
	}
	return dec, nil
}

// ReconcileReport — итог сверки кэша с хранилищем
type ReconcileReport struct {
	Executed []domain.ActionResult `json:"executed"`
	Evicted  []string              `json:"evicted"`
}

// Reconcile сверяет кэш ожидающих действий с хранилищем: решения, принятые через CLI,
// исполняются (approved) или вычищаются (rejected, expired, executed).
func (w *Wrapper) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	for _, id := range w.pendingIDs() {
		rec, err := w.deps.Store.Get(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			w.take(id)
			report.Evicted = append(report.Evicted, id)
			continue
		}
		if err != nil {
			return report, err
		}

		switch rec.Status {
		case domain.ApprovalPending:
			continue
		case domain.ApprovalApproved:
			pa := w.take(id)
			if pa == nil {
				continue // параллельный ApproveAction уже забрал
			}
			by := ""
			if rec.ApprovedBy != nil {
				by = *rec.ApprovedBy
			}
			w.setApproval(pa.action, domain.ApprovalApproved, by, rec.ApprovedAt)
			w.record(pa.action, audit.EventApproved, map[string]any{"operator": by, "source": "reconcile"})
			res := w.executeApproved(ctx, pa)
			if res.Reason == domain.ReasonAlreadyExecuting {
				continue
			}
			report.Executed = append(report.Executed, res)
		default:
			if pa := w.take(id); pa != nil {
				w.setApproval(pa.action, rec.Status, "", nil)
				w.record(pa.action, string(rec.Status), map[string]any{"source": "reconcile"})
			}
			report.Evicted = append(report.Evicted, id)
		}
	}
	return report, nil
}

// AuditPending пишет событие по каждому ожидающему действию (emergency shutdown)
func (w *Wrapper) AuditPending(reason string) int {
	w.mu.Lock()
	actions := make([]*domain.BoundedAction, 0, len(w.pending))
	for _, pa := range w.pending {
		actions = append(actions, pa.action)
	}
	w.mu.Unlock()

	for _, a := range actions {
		w.record(a, audit.EventEmergencyPending, map[string]any{"reason": reason})
	}
	return len(actions)
}

// PendingActions — копии действий в ожидании решения
func (w *Wrapper) PendingActions() []domain.BoundedAction {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]domain.BoundedAction, 0, len(w.pending))
	for _, pa := range w.pending {
		cp := *pa.action
		cp.AuditTrail = append([]domain.AuditEntry(nil), pa.action.AuditTrail...)
		out = append(out, cp)
	}
	return out
}

func (w *Wrapper) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// BeforeInvoke — проверка вызова агента внутри задачи
func (w *Wrapper) BeforeInvoke(ctx context.Context, taskID, taskType string) error {
	if w.deps.Controls.Stopped() {
		return fmt.Errorf("%w: %s", domain.ErrBlocked, domain.ReasonEmergencyStop)
	}
	allowed, err := w.deps.Policy.Authorize(ctx, w.agent.Name(), taskType)
	if err != nil {
		return fmt.Errorf("%w: policy check: %v", domain.ErrBlocked, err)
	}
	if !allowed {
		w.deps.Auditor.Log(audit.Event{
			ActionID:     taskID,
			AgentName:    w.agent.Name(),
			FunctionName: domain.CoreFunction,
			Event:        audit.EventBlocked,
			Metadata:     map[string]any{"reason": domain.ReasonNetworkDisallowed, "task_type": taskType},
		})
		return fmt.Errorf("%w: %s", domain.ErrBlocked, domain.ReasonNetworkDisallowed)
	}
	w.deps.Auditor.Log(audit.Event{
		ActionID:     taskID,
		AgentName:    w.agent.Name(),
		FunctionName: domain.CoreFunction,
		Event:        audit.EventAgentInvoked,
		Metadata:     map[string]any{"task_type": taskType},
	})
	return nil
}

// AfterInvoke — аудит исхода вызова агента внутри задачи
func (w *Wrapper) AfterInvoke(taskID, taskType string, err error, d time.Duration) {
	ev := audit.Event{
		ActionID:     taskID,
		AgentName:    w.agent.Name(),
		FunctionName: domain.CoreFunction,
		Event:        audit.EventExecuted,
		Metadata:     map[string]any{"task_type": taskType, "duration_ms": d.Milliseconds()},
	}
	if err != nil {
		ev.Event = audit.EventExecutionFailed
		ev.Metadata["error"] = err.Error()
	}
	w.deps.Auditor.Log(ev)
}

func (w *Wrapper) pendingIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.pending))
	for id := range w.pending {
		ids = append(ids, id)
	}
	return ids
}

func (w *Wrapper) take(id string) *pendingAction {
	w.mu.Lock()
	defer w.mu.Unlock()
	pa, ok := w.pending[id]
	if !ok {
		return nil
	}
	delete(w.pending, id)
	return pa
}

// takeOrLoad достает действие из кэша или восстанавливает его из записи хранилища (после рестарта)
func (w *Wrapper) takeOrLoad(ctx context.Context, id string) (*pendingAction, error) {
	if pa := w.take(id); pa != nil {
		return pa, nil
	}
	rec, err := w.deps.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	action := &domain.BoundedAction{
		ID:               rec.ActionID,
		AgentName:        rec.AgentName,
		FunctionName:     rec.FunctionName,
		Parameters:       rec.Parameters,
		RiskLevel:        rec.RiskLevel,
		RequiresApproval: true,
		ApprovalStatus:   domain.ApprovalPending,
		CreatedAt:        rec.CreatedAt,
	}
	return &pendingAction{action: action, params: rec.Parameters}, nil
}

func (w *Wrapper) setApproval(a *domain.BoundedAction, status domain.ApprovalStatus, by string, at *time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	a.ApprovalStatus = status
	if by != "" {
		a.ApprovedBy = by
	}
	if at != nil {
		t := *at
		a.ApprovedAt = &t
	}
}

// record пишет событие в след действия и в дневной журнал
func (w *Wrapper) record(a *domain.BoundedAction, event string, meta map[string]any) {
	w.mu.Lock()
	entry := a.Record(event, meta)
	ev := audit.Event{
		Timestamp:      entry.Timestamp,
		ActionID:       a.ID,
		AgentName:      a.AgentName,
		FunctionName:   a.FunctionName,
		Event:          event,
		RiskLevel:      a.RiskLevel.String(),
		ApprovalStatus: string(a.ApprovalStatus),
		Metadata:       meta,
	}
	w.mu.Unlock()
	w.deps.Auditor.Log(ev)
}
