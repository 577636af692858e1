package bounded

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-orchestrator/internal/audit"
	"github.com/xela07ax/spaceai-orchestrator/internal/connectors"
	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator/internal/policy"
	"github.com/xela07ax/spaceai-orchestrator/internal/repository/sqlstore"
	"github.com/xela07ax/spaceai-orchestrator/internal/risk"
)

type flags struct {
	stopped atomic.Bool
	paused  atomic.Bool
}

func (f *flags) Stopped() bool { return f.stopped.Load() }
func (f *flags) Paused() bool  { return f.paused.Load() }

type recorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recorder) Log(e audit.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) has(actionID, event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.ActionID == actionID && e.Event == event {
			return true
		}
	}
	return false
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	w      *Wrapper
	agent  *connectors.MockAgent
	store  *sqlstore.Store
	flags  *flags
	audit  *recorder
	policy *policy.NetworkPolicy
	clock  *clock
	calls  map[string]*atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &clock{now: time.Now()}
	store, err := sqlstore.Open(context.Background(), sqlstore.DriverSQLite,
		filepath.Join(t.TempDir(), "review.db"), zap.NewNop(), sqlstore.WithClock(clk.Now))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		agent:  connectors.NewMockAgent("inventory"),
		store:  store,
		flags:  &flags{},
		audit:  &recorder{},
		policy: policy.NewNetworkPolicy(true, nil),
		clock:  clk,
		calls:  make(map[string]*atomic.Int32),
	}
	for _, fn := range []string{"read_stock", "update_inventory", "deploy_model", "fetch_prices", "deploy_local"} {
		counter := &atomic.Int32{}
		f.calls[fn] = counter
		name := fn
		f.agent.WithFunction(fn, func(ctx context.Context, params map[string]any) (domain.Result, error) {
			counter.Add(1)
			return domain.Result{Status: "success", Output: map[string]any{"fn": name, "sku": params["sku"]}}, nil
		})
	}

	f.w = NewWrapper(f.agent, f.agent.Functions(), Deps{
		Classifier: risk.NewKeywordClassifier(risk.Keywords{}, zap.NewNop()),
		Policy:     f.policy,
		Store:      store,
		Controls:   f.flags,
		Auditor:    f.audit,
		Settings:   NewSettings(true, time.Hour),
	}, zap.NewNop())
	return f
}

func TestLowRiskExecutesImmediately(t *testing.T) {
	f := newFixture(t)
	res := f.w.Execute(context.Background(), "read_stock", map[string]any{"sku": "A-1"}, nil)

	if res.Status != domain.ActionExecuted {
		t.Fatalf("expected executed, got %+v", res)
	}
	if res.RiskLevel != domain.RiskLow || res.Result.Output["sku"] != "A-1" {
		t.Errorf("unexpected result %+v", res)
	}
	if !f.audit.has(res.ActionID, audit.EventExecuted) || !f.audit.has(res.ActionID, audit.EventRiskAssessed) {
		t.Error("expected risk and execution audit events")
	}
}

func TestCriticalActionGoesToReviewAndRejectLeavesNoExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.w.Execute(ctx, "deploy_model", map[string]any{"model": "v2"}, nil)
	if res.Status != domain.ActionPendingApproval || res.RiskLevel != domain.RiskCritical {
		t.Fatalf("expected critical pending approval, got %+v", res)
	}
	if res.ActionID == "" || res.ReviewHint == "" {
		t.Errorf("expected action id and review hint, got %+v", res)
	}
	if f.calls["deploy_model"].Load() != 0 {
		t.Fatal("function must not run before approval")
	}

	rec, err := f.store.Get(ctx, res.ActionID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.WorkflowType != domain.WorkflowHighRisk || rec.Status != domain.ApprovalPending {
		t.Errorf("unexpected stored record %+v", rec)
	}

	dec, err := f.w.RejectAction(ctx, res.ActionID, "alice", "not today")
	if err != nil || dec.Status != domain.ApprovalRejected {
		t.Fatalf("reject: %v %+v", err, dec)
	}
	if f.w.PendingCount() != 0 {
		t.Error("rejected action must leave the pending cache")
	}
	pending, _ := f.store.Pending(ctx)
	if len(pending) != 0 {
		t.Errorf("expected empty review queue, got %d", len(pending))
	}
	rec, _ = f.store.Get(ctx, res.ActionID)
	if rec.ExecutionResult != nil || f.calls["deploy_model"].Load() != 0 {
		t.Error("rejected action must not execute")
	}
}

func TestApproveExecutesAndMarksExecuted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.w.Execute(ctx, "update_inventory", map[string]any{"sku": "B-2"}, nil)
	if res.Status != domain.ActionPendingApproval || res.RiskLevel != domain.RiskHigh {
		t.Fatalf("expected pending approval, got %+v", res)
	}

	out, err := f.w.ApproveAction(ctx, res.ActionID, "bob", "ok")
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != domain.ActionExecuted || out.Result.Output["sku"] != "B-2" {
		t.Fatalf("expected executed with original params, got %+v", out)
	}
	rec, _ := f.store.Get(ctx, res.ActionID)
	if rec.Status != domain.ApprovalExecuted || rec.ExecutionResult["status"] != "executed" {
		t.Errorf("expected executed record, got %+v", rec)
	}

	if _, err := f.w.ApproveAction(ctx, res.ActionID, "bob", ""); !errors.Is(err, domain.ErrNotPending) {
		t.Errorf("expected ErrNotPending on second approval, got %v", err)
	}
	if _, err := f.w.ApproveAction(ctx, "missing", "bob", ""); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestApproveAfterTimeoutReturnsExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.w.Execute(ctx, "update_inventory", nil, nil)
	f.clock.Advance(2 * time.Hour)

	out, err := f.w.ApproveAction(ctx, res.ActionID, "bob", "")
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != domain.ActionExpired {
		t.Fatalf("expected expired, got %+v", out)
	}
	if f.calls["update_inventory"].Load() != 0 {
		t.Error("expired action must not execute")
	}
}

func TestNetworkIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.w.Execute(ctx, "fetch_prices", nil, nil)
	if res.Status != domain.ActionBlocked || res.Reason != domain.ReasonNetworkDisallowed {
		t.Fatalf("expected network block, got %+v", res)
	}
	if f.calls["fetch_prices"].Load() != 0 {
		t.Error("blocked function must not run")
	}

	f.policy.SetLocalOnly(false)
	if res := f.w.Execute(ctx, "fetch_prices", nil, nil); res.Status != domain.ActionExecuted {
		t.Errorf("expected execution with local-only disabled, got %+v", res)
	}
}

func TestStopAndPause(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.flags.paused.Store(true)
	if res := f.w.Execute(ctx, "read_stock", nil, nil); res.Status != domain.ActionQueued {
		t.Errorf("expected queued while paused, got %+v", res)
	}

	f.flags.stopped.Store(true)
	res := f.w.Execute(ctx, "read_stock", nil, nil)
	if res.Status != domain.ActionBlocked || res.Reason != domain.ReasonEmergencyStop {
		t.Errorf("expected emergency block, got %+v", res)
	}
	if f.calls["read_stock"].Load() != 0 {
		t.Error("nothing must run while stopped or paused")
	}
}

func TestOverrideAndUnknownFunction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	no := false
	if res := f.w.Execute(ctx, "deploy_local", nil, &no); res.Status != domain.ActionExecuted {
		t.Errorf("override=false must skip review, got %+v", res)
	}
	yes := true
	if res := f.w.Execute(ctx, "read_stock", nil, &yes); res.Status != domain.ActionPendingApproval {
		t.Errorf("override=true must force review, got %+v", res)
	}

	res := f.w.Execute(ctx, "launch_rockets", nil, nil)
	if res.Status != domain.ActionFailed || res.Error == "" {
		t.Errorf("expected failed for unknown function, got %+v", res)
	}

	if res := f.w.Execute(ctx, domain.CoreFunction, map[string]any{"x": 1}, nil); res.Status != domain.ActionExecuted {
		t.Errorf("execute_core must reach ExecuteCore, got %+v", res)
	}
	if f.agent.Calls() != 1 {
		t.Errorf("expected one core call, got %d", f.agent.Calls())
	}
}

func TestAutoApproveDisabledRequiresReview(t *testing.T) {
	f := newFixture(t)
	f.w.deps.Settings.Update(false, time.Hour)

	if res := f.w.Execute(context.Background(), "read_stock", nil, nil); res.Status != domain.ActionPendingApproval {
		t.Errorf("low risk must wait for review when auto-approve is off, got %+v", res)
	}
}

func TestReconcilePicksUpExternalDecisions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	approved := f.w.Execute(ctx, "update_inventory", map[string]any{"sku": "C-3"}, nil)
	rejected := f.w.Execute(ctx, "deploy_model", nil, nil)
	waiting := f.w.Execute(ctx, "deploy_model", nil, nil)

	// Решения приняты мимо Wrapper'а (CLI)
	if _, err := f.store.Approve(ctx, approved.ActionID, "cli", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.Reject(ctx, rejected.ActionID, "cli", "no"); err != nil {
		t.Fatal(err)
	}

	report, err := f.w.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Executed) != 1 || report.Executed[0].Status != domain.ActionExecuted {
		t.Errorf("expected one executed action, got %+v", report.Executed)
	}
	if len(report.Evicted) != 1 || report.Evicted[0] != rejected.ActionID {
		t.Errorf("expected rejected action evicted, got %v", report.Evicted)
	}
	pending := f.w.PendingActions()
	if len(pending) != 1 || pending[0].ID != waiting.ActionID {
		t.Errorf("expected only the waiting action to stay cached, got %+v", pending)
	}
	rec, _ := f.store.Get(ctx, approved.ActionID)
	if rec.Status != domain.ApprovalExecuted {
		t.Errorf("expected executed record after reconcile, got %s", rec.Status)
	}
}

func TestAuditPendingAndTaskGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.w.Execute(ctx, "deploy_model", nil, nil)
	if n := f.w.AuditPending("drill"); n != 1 {
		t.Fatalf("expected 1 audited action, got %d", n)
	}
	if !f.audit.has(res.ActionID, audit.EventEmergencyPending) {
		t.Error("expected emergency audit event")
	}

	if err := f.w.BeforeInvoke(ctx, "task-1", "analyze_sales"); err != nil {
		t.Errorf("local task must pass, got %v", err)
	}
	if err := f.w.BeforeInvoke(ctx, "task-2", "download_catalog"); !errors.Is(err, domain.ErrBlocked) {
		t.Errorf("network task must be blocked, got %v", err)
	}
	f.flags.stopped.Store(true)
	if err := f.w.BeforeInvoke(ctx, "task-3", "analyze_sales"); !errors.Is(err, domain.ErrBlocked) {
		t.Errorf("stopped system must block tasks, got %v", err)
	}
}

func TestApprovedActionExecutesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.w.Execute(ctx, "update_inventory", map[string]any{"sku": "D-4"}, nil)
	if _, err := f.store.Approve(ctx, res.ActionID, "cli", ""); err != nil {
		t.Fatal(err)
	}

	// ApproveAction и Reconcile держат по своей копии одного одобренного действия
	cached := f.w.take(res.ActionID)
	loaded, err := f.w.takeOrLoad(ctx, res.ActionID)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make([]domain.ActionResult, 2)
	for i, pa := range []*pendingAction{cached, loaded} {
		wg.Add(1)
		go func(i int, pa *pendingAction) {
			defer wg.Done()
			results[i] = f.w.executeApproved(ctx, pa)
		}(i, pa)
	}
	wg.Wait()

	if n := f.calls["update_inventory"].Load(); n != 1 {
		t.Fatalf("approved action must run exactly once, calls=%d", n)
	}
	executed, skipped := 0, 0
	for _, r := range results {
		switch {
		case r.Status == domain.ActionExecuted:
			executed++
		case r.Status == domain.ActionBlocked && r.Reason == domain.ReasonAlreadyExecuting:
			skipped++
		}
	}
	if executed != 1 || skipped != 1 {
		t.Errorf("expected one executed and one skipped result, got %+v", results)
	}
	rec, _ := f.store.Get(ctx, res.ActionID)
	if rec.Status != domain.ApprovalExecuted {
		t.Errorf("expected executed record, got %s", rec.Status)
	}
}

func TestApproveRacingReconcileExecutesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 20
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		res := f.w.Execute(ctx, "update_inventory", map[string]any{"sku": i}, nil)
		if res.Status != domain.ActionPendingApproval {
			t.Fatalf("expected pending approval, got %+v", res)
		}
		ids = append(ids, res.ActionID)
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			if _, err := f.w.Reconcile(ctx); err != nil {
				t.Errorf("reconcile: %v", err)
				return
			}
		}
	}()

	for _, id := range ids {
		if _, err := f.w.ApproveAction(ctx, id, "bob", ""); err != nil {
			t.Errorf("approve %s: %v", id, err)
		}
	}
	close(done)
	wg.Wait()

	if _, err := f.w.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	if got := f.calls["update_inventory"].Load(); got != n {
		t.Errorf("each approved action must run exactly once, calls=%d want %d", got, n)
	}
	for _, id := range ids {
		rec, _ := f.store.Get(ctx, id)
		if rec.Status != domain.ApprovalExecuted {
			t.Errorf("action %s: expected executed, got %s", id, rec.Status)
		}
	}
}

func TestBlockedApprovedActionReleasesClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	yes := true
	res := f.w.Execute(ctx, "fetch_prices", nil, &yes)
	if res.Status != domain.ActionPendingApproval {
		t.Fatalf("expected pending approval, got %+v", res)
	}

	out, err := f.w.ApproveAction(ctx, res.ActionID, "bob", "")
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != domain.ActionBlocked || out.Reason != domain.ReasonNetworkDisallowed {
		t.Fatalf("expected network block, got %+v", out)
	}
	rec, _ := f.store.Get(ctx, res.ActionID)
	if rec.Status != domain.ApprovalApproved {
		t.Errorf("blocked action must stay approved, got %s", rec.Status)
	}
}
