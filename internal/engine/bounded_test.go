package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-orchestrator/internal/bounded"
	"github.com/xela07ax/spaceai-orchestrator/internal/breaker"
	"github.com/xela07ax/spaceai-orchestrator/internal/connectors"
	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator/internal/policy"
	"github.com/xela07ax/spaceai-orchestrator/internal/registry"
	"github.com/xela07ax/spaceai-orchestrator/internal/repository/sqlstore"
	"github.com/xela07ax/spaceai-orchestrator/internal/risk"
)

type incidentLog struct {
	got []domain.Incident
}

func (l *incidentLog) Raise(_ context.Context, inc domain.Incident) { l.got = append(l.got, inc) }

type boundedFixture struct {
	o         *BoundedOrchestrator
	store     *sqlstore.Store
	ks        *KillSwitch
	analyst   *connectors.MockAgent
	reporter  *connectors.MockAgent
	incidents *incidentLog
}

func newBoundedFixture(t *testing.T) *boundedFixture {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop()

	store, err := sqlstore.Open(ctx, sqlstore.DriverSQLite, filepath.Join(t.TempDir(), "review.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	core := NewOrchestrator(registry.New(logger), breaker.NewSet(5, time.Minute, nil, logger), logger)
	f := &boundedFixture{
		store:     store,
		ks:        NewKillSwitch(nil, logger),
		analyst:   connectors.NewMockAgent("analyst").WithOutput(map[string]any{"rows": 10}, map[string]any{"dataset": "q3"}),
		reporter:  connectors.NewMockAgent("reporter"),
		incidents: &incidentLog{},
	}
	f.reporter.WithFunction("read_report", func(ctx context.Context, params map[string]any) (domain.Result, error) {
		return domain.Result{Status: "success"}, nil
	})
	f.o = NewBoundedOrchestrator(core, BoundedDeps{
		Store:      store,
		KillSwitch: f.ks,
		Classifier: risk.NewKeywordClassifier(risk.Keywords{}, logger),
		Policy:     policy.NewNetworkPolicy(true, nil),
		Settings:   bounded.NewSettings(true, time.Hour),
		Incidents:  f.incidents,
	}, logger)

	if err := f.o.RegisterAgent(ctx, f.analyst, domain.CapabilityRecord{Capabilities: []string{"analysis"}}); err != nil {
		t.Fatal(err)
	}
	if err := f.o.RegisterAgent(ctx, f.reporter, domain.CapabilityRecord{
		Capabilities: []string{"analysis"},
		Dependencies: []string{"analyst"},
	}); err != nil {
		t.Fatal(err)
	}
	return f
}

func analysisTask(taskType string) TaskRequest {
	return TaskRequest{Type: taskType, RequiredCapabilities: []string{"analysis"}, Parameters: map[string]any{"quarter": "Q3"}}
}

func TestLowRiskTaskRunsImmediately(t *testing.T) {
	f := newBoundedFixture(t)

	out := f.o.ExecuteTask(context.Background(), analysisTask("summarize_report"), nil)
	if out.Status != string(domain.TaskCompleted) || out.RiskLevel != domain.RiskLow {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Result.SharedContext["dataset"] != "q3" || f.reporter.Calls() != 1 {
		t.Errorf("expected both agents to run, got %+v", out.Result)
	}
}

func TestCriticalTaskWaitsForApproval(t *testing.T) {
	f := newBoundedFixture(t)
	ctx := context.Background()

	out := f.o.ExecuteTask(ctx, analysisTask("deploy_system"), nil)
	if out.Status != string(domain.ActionPendingApproval) || out.RiskLevel != domain.RiskCritical || out.ActionID == "" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if f.analyst.Calls() != 0 {
		t.Fatal("task must not run before approval")
	}

	rec, err := f.store.Get(ctx, out.ActionID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.AgentName != TaskAgentName || rec.WorkflowType != domain.WorkflowHighRisk {
		t.Errorf("unexpected review record %+v", rec)
	}

	res, err := f.o.Approve(ctx, out.ActionID, "alice", "ship it")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if res.Status != string(domain.TaskCompleted) || res.Task == nil || res.Task.TaskID != out.TaskID {
		t.Fatalf("unexpected approval outcome %+v", res)
	}
	if f.analyst.Calls() != 1 || f.reporter.Calls() != 1 {
		t.Error("approved task must run every agent once")
	}
	if rec, _ := f.store.Get(ctx, out.ActionID); rec.Status != domain.ApprovalExecuted {
		t.Errorf("expected executed record, got %s", rec.Status)
	}
}

func TestRejectedTaskNeverRuns(t *testing.T) {
	f := newBoundedFixture(t)
	ctx := context.Background()

	out := f.o.ExecuteTask(ctx, analysisTask("create_user"), nil)
	if out.Status != string(domain.ActionPendingApproval) || out.RiskLevel != domain.RiskHigh {
		t.Fatalf("unexpected outcome %+v", out)
	}

	dec, err := f.o.Reject(ctx, out.ActionID, "bob", "not now")
	if err != nil || dec.Status != domain.ApprovalRejected {
		t.Fatalf("reject: %+v %v", dec, err)
	}
	if _, err := f.o.ExecuteApprovedTask(ctx, out.ActionID); !errors.Is(err, domain.ErrNotPending) {
		t.Errorf("rejected task must not execute, got %v", err)
	}
	if f.analyst.Calls() != 0 {
		t.Error("rejected task ran")
	}
}

func TestExplicitApprovalOverride(t *testing.T) {
	f := newBoundedFixture(t)
	ctx := context.Background()

	no := false
	if out := f.o.ExecuteTask(ctx, analysisTask("deploy_system"), &no); out.Status != string(domain.TaskCompleted) {
		t.Errorf("override must skip review, got %+v", out)
	}
	yes := true
	if out := f.o.ExecuteTask(ctx, analysisTask("summarize_report"), &yes); out.Status != string(domain.ActionPendingApproval) {
		t.Errorf("override must force review, got %+v", out)
	}
}

func TestApprovedTaskSurvivesRestart(t *testing.T) {
	f := newBoundedFixture(t)
	ctx := context.Background()

	out := f.o.ExecuteTask(ctx, analysisTask("deploy_system"), nil)
	// Процесс "перезапущен": в памяти задачи нет, решение принято через CLI
	f.o.takeTask(out.ActionID)
	if _, err := f.store.Approve(ctx, out.ActionID, "carol", ""); err != nil {
		t.Fatal(err)
	}

	res, err := f.o.ExecuteApprovedTask(ctx, out.ActionID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != string(domain.TaskCompleted) || res.TaskID != out.TaskID {
		t.Errorf("unexpected outcome %+v", res)
	}
	if f.analyst.LastInput().Parameters["quarter"] != "Q3" {
		t.Errorf("parameters must be restored from the record, got %v", f.analyst.LastInput().Parameters)
	}

	if _, err := f.o.ExecuteApprovedTask(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReconcileRunsTasksApprovedElsewhere(t *testing.T) {
	f := newBoundedFixture(t)
	ctx := context.Background()

	approved := f.o.ExecuteTask(ctx, analysisTask("deploy_system"), nil)
	rejected := f.o.ExecuteTask(ctx, analysisTask("create_user"), nil)
	if _, err := f.store.Approve(ctx, approved.ActionID, "alice", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.Reject(ctx, rejected.ActionID, "alice", "no"); err != nil {
		t.Fatal(err)
	}

	sum, err := f.o.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Executed != 1 || sum.Evicted != 1 {
		t.Errorf("unexpected summary %+v", sum)
	}
	if f.analyst.Calls() != 1 {
		t.Errorf("expected approved task to run once, calls=%d", f.analyst.Calls())
	}
}

func TestEmergencyStopBlocksEverything(t *testing.T) {
	f := newBoundedFixture(t)
	ctx := context.Background()

	pending := f.o.ExecuteTask(ctx, analysisTask("deploy_system"), nil)

	rep, err := f.o.EmergencyStop(ctx, "anomaly", "operator_1")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Status != "emergency_stopped" || rep.PendingAudited != 1 {
		t.Errorf("unexpected report %+v", rep)
	}
	if len(f.incidents.got) != 1 || f.incidents.got[0].Type != domain.IncidentEmergencyStop {
		t.Errorf("expected emergency incident, got %+v", f.incidents.got)
	}

	out := f.o.ExecuteTask(ctx, analysisTask("summarize_report"), nil)
	if out.Status != string(domain.ActionBlocked) || out.Reason != domain.ReasonEmergencyStop {
		t.Errorf("expected blocked task, got %+v", out)
	}
	act := f.o.ExecuteFunction(ctx, "reporter", "read_report", nil, nil)
	if act.Status != domain.ActionBlocked {
		t.Errorf("expected blocked action, got %+v", act)
	}

	// Одобрение фиксируется, но исполнение ждет снятия остановки
	res, err := f.o.Approve(ctx, pending.ActionID, "operator_1", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != string(domain.ActionBlocked) || f.analyst.Calls() != 0 {
		t.Errorf("approved task must stay blocked, got %+v", res)
	}

	st, err := f.o.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !st.BoundedAutonomy.SystemControls.EmergencyStop || !st.BoundedAutonomy.SystemControls.LocalOnly {
		t.Errorf("unexpected controls %+v", st.BoundedAutonomy.SystemControls)
	}
	if len(st.BoundedAutonomy.WrappedAgents) != 2 {
		t.Errorf("expected 2 wrapped agents, got %d", len(st.BoundedAutonomy.WrappedAgents))
	}

	if s, err := f.o.ResumeOperations(ctx, "operator_1"); err != nil || s != "resumed" {
		t.Fatalf("resume: %s %v", s, err)
	}
	if out := f.o.ExecuteTask(ctx, analysisTask("summarize_report"), nil); out.Status != string(domain.TaskCompleted) {
		t.Errorf("expected completed after resume, got %+v", out)
	}

	stats, err := f.o.OperatorStatistics(ctx, "operator_1")
	if err != nil {
		t.Fatal(err)
	}
	if stats["operator_1"][ActivityEmergencyStop] != 1 || stats["operator_1"][ActivityResume] != 1 {
		t.Errorf("unexpected operator stats %v", stats)
	}
}

func TestEmergencyStopCancelsRunningTask(t *testing.T) {
	f := newBoundedFixture(t)
	ctx := context.Background()

	started := make(chan struct{})
	f.analyst.OnExecute(func(ctx context.Context, in domain.ExecutionInput) (domain.Result, error) {
		close(started)
		<-ctx.Done()
		return domain.Result{}, ctx.Err()
	})

	done := make(chan *TaskOutcome, 1)
	go func() { done <- f.o.ExecuteTask(ctx, analysisTask("summarize_report"), nil) }()
	<-started

	rep, err := f.o.EmergencyStop(ctx, "drill", "operator_1")
	if err != nil {
		t.Fatal(err)
	}
	if rep.TasksCancelled != 1 {
		t.Errorf("expected 1 cancelled task, got %d", rep.TasksCancelled)
	}

	select {
	case out := <-done:
		if out.Status != string(domain.TaskCancelled) || f.reporter.Calls() != 0 {
			t.Errorf("unexpected outcome %+v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task did not stop")
	}
}

func TestPauseQueuesTasks(t *testing.T) {
	f := newBoundedFixture(t)
	ctx := context.Background()

	if s, _ := f.o.Pause(ctx, "operator_1"); s != "paused" {
		t.Fatalf("unexpected pause status %s", s)
	}
	out := f.o.ExecuteTask(ctx, analysisTask("summarize_report"), nil)
	if out.Status != string(domain.ActionQueued) || out.Reason != domain.ReasonPaused {
		t.Fatalf("expected queued, got %+v", out)
	}
	if f.analyst.Calls() != 0 {
		t.Fatal("paused system must not run tasks")
	}

	rep, err := f.o.Resume(ctx, "operator_1")
	if err != nil {
		t.Fatal(err)
	}
	if rep.QueuedTasks != 1 {
		t.Errorf("expected 1 queued task, got %d", rep.QueuedTasks)
	}
	outs := f.o.DrainQueued(ctx)
	if len(outs) != 1 || outs[0].Status != string(domain.TaskCompleted) || outs[0].TaskID != out.TaskID {
		t.Errorf("unexpected drained outcomes %+v", outs)
	}
}

func TestUnregisterAgent(t *testing.T) {
	f := newBoundedFixture(t)

	if err := f.o.UnregisterAgent("reporter"); err != nil {
		t.Fatal(err)
	}
	act := f.o.ExecuteFunction(context.Background(), "reporter", "read_report", nil, nil)
	if act.Status != domain.ActionFailed {
		t.Errorf("unregistered agent must not run, got %+v", act)
	}
	if err := f.o.UnregisterAgent("reporter"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestApprovedTaskExecutesOnce(t *testing.T) {
	f := newBoundedFixture(t)
	ctx := context.Background()
	f.reporter.WithLatency(100 * time.Millisecond)

	out := f.o.ExecuteTask(ctx, analysisTask("deploy_system"), nil)
	if _, err := f.store.Approve(ctx, out.ActionID, "alice", ""); err != nil {
		t.Fatal(err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
		ran  int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.o.ExecuteApprovedTask(ctx, out.ActionID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if res.Status == string(domain.TaskCompleted) {
				ran++
			}
		}()
	}
	wg.Wait()

	if f.analyst.Calls() != 1 {
		t.Fatalf("approved task must run exactly once, analyst calls=%d", f.analyst.Calls())
	}
	if ran != 1 || len(errs) != 1 || !errors.Is(errs[0], domain.ErrNotPending) {
		t.Errorf("expected one run and one ErrNotPending, ran=%d errs=%v", ran, errs)
	}
	rec, _ := f.store.Get(ctx, out.ActionID)
	if rec.Status != domain.ApprovalExecuted {
		t.Errorf("expected executed record, got %s", rec.Status)
	}
}

func TestApproveRacingReconcileRunsTaskOnce(t *testing.T) {
	f := newBoundedFixture(t)
	ctx := context.Background()
	f.reporter.WithLatency(50 * time.Millisecond)

	out := f.o.ExecuteTask(ctx, analysisTask("deploy_system"), nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := f.o.Approve(ctx, out.ActionID, "alice", ""); err != nil && !errors.Is(err, domain.ErrNotPending) {
			t.Errorf("approve: %v", err)
		}
	}()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := f.o.Reconcile(ctx); err != nil {
			t.Errorf("reconcile: %v", err)
		}
		if rec, _ := f.store.Get(ctx, out.ActionID); rec != nil && rec.Status == domain.ApprovalExecuted {
			break
		}
	}
	wg.Wait()

	if f.analyst.Calls() != 1 {
		t.Errorf("approved task must run exactly once, analyst calls=%d", f.analyst.Calls())
	}
}

func TestRegisterRacingUnregisterDoesNotPanic(t *testing.T) {
	f := newBoundedFixture(t)
	ctx := context.Background()
	scout := connectors.NewMockAgent("scout")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			err := f.o.RegisterAgent(ctx, scout, domain.CapabilityRecord{Capabilities: []string{"recon"}})
			if err != nil && !errors.Is(err, domain.ErrDuplicate) && !errors.Is(err, domain.ErrNotFound) {
				t.Errorf("register: %v", err)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			if err := f.o.UnregisterAgent("scout"); err != nil && !errors.Is(err, domain.ErrNotFound) {
				t.Errorf("unregister: %v", err)
			}
		}
	}()
	wg.Wait()
}
