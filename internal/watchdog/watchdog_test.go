package watchdog

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-orchestrator/internal/connectors"
	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator/internal/infra"
	"github.com/xela07ax/spaceai-orchestrator/internal/metrics"
	"github.com/xela07ax/spaceai-orchestrator/internal/registry"
)

type fixture struct {
	wd      *Watchdog
	reg     *registry.Registry
	agent   *connectors.MockAgent
	queue   *FileQueue
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, threshold, maxRestarts int) *fixture {
	t.Helper()
	logger := zap.NewNop()
	f := &fixture{
		reg:     registry.New(logger),
		agent:   connectors.NewMockAgent("worker"),
		queue:   NewFileQueue(filepath.Join(t.TempDir(), "data", "notifications.json"), nil, logger),
		metrics: metrics.NewMetrics(nil),
	}
	if err := f.reg.Register(context.Background(), f.agent, domain.CapabilityRecord{}); err != nil {
		t.Fatal(err)
	}
	f.wd = New(f.reg, infra.WatchdogConfig{
		CheckInterval:      time.Second,
		ErrorThreshold:     threshold,
		MaxRestartAttempts: maxRestarts,
	}, logger, WithNotifier(f.queue), WithMetrics(f.metrics))
	return f
}

func (f *fixture) status(t *testing.T) domain.AgentStatus {
	t.Helper()
	e, ok := f.reg.Get("worker")
	if !ok {
		t.Fatal("agent missing from registry")
	}
	return e.Status()
}

func lastIncident(w *Watchdog) domain.Incident {
	all := w.Incidents()
	if len(all) == 0 {
		return domain.Incident{}
	}
	return all[len(all)-1]
}

func TestHaltAfterMaxRestarts(t *testing.T) {
	f := newFixture(t, 10, 2)
	ctx := context.Background()
	f.agent.SetHealth(domain.StatusFailed)

	f.wd.CheckOnce(ctx)
	f.wd.CheckOnce(ctx)
	if f.agent.Inits() != 3 || f.status(t) != domain.StatusRecovering {
		t.Fatalf("expected two restarts, inits=%d status=%s", f.agent.Inits(), f.status(t))
	}
	if f.wd.IsHalted("worker") {
		t.Fatal("agent halted too early")
	}

	f.wd.CheckOnce(ctx)
	if !f.wd.IsHalted("worker") || f.status(t) != domain.StatusFailed {
		t.Fatalf("expected halt, status=%s", f.status(t))
	}
	rec := f.wd.Status().Records["worker"]
	if rec.HaltReason != domain.HaltMaxRestarts || rec.RestartCount != 2 {
		t.Errorf("unexpected record %+v", rec)
	}
	if got := testutil.ToFloat64(f.metrics.WatchdogHalts.WithLabelValues("worker", domain.HaltMaxRestarts)); got != 1 {
		t.Errorf("expected 1 halt metric, got %v", got)
	}
	if got := testutil.ToFloat64(f.metrics.WatchdogRestarts.WithLabelValues("worker")); got != 2 {
		t.Errorf("expected 2 restart metrics, got %v", got)
	}

	// Остановленный агент больше не проверяется и не рестартует
	for range 5 {
		f.wd.CheckOnce(ctx)
	}
	if f.agent.Inits() != 3 {
		t.Errorf("halted agent must not restart, inits=%d", f.agent.Inits())
	}

	pending, err := f.queue.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Type != domain.IncidentHalted || !pending[0].RequiresIntervention {
		t.Errorf("expected single halt notification, got %+v", pending)
	}
}

func TestHaltOnRepeatedFailures(t *testing.T) {
	f := newFixture(t, 2, 5)
	ctx := context.Background()
	f.agent.SetHealth(domain.StatusFailed)

	f.wd.CheckOnce(ctx)
	f.wd.CheckOnce(ctx)

	st := f.wd.Status()
	if len(st.Halted) != 1 || st.Records["worker"].HaltReason != domain.HaltRepeatedFailures {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestHaltWhenRestartFails(t *testing.T) {
	f := newFixture(t, 5, 3)
	f.agent.SetHealth(domain.StatusFailed)
	f.agent.FailInit(errors.New("cannot boot"))

	f.wd.CheckOnce(context.Background())
	if rec := f.wd.Status().Records["worker"]; !rec.Halted || rec.HaltReason != domain.HaltRestartFailed {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestMonitoringErrorDoesNotHalt(t *testing.T) {
	f := newFixture(t, 1, 0)
	f.agent.FailHealthCheck(errors.New("probe timeout"))

	for range 3 {
		f.wd.CheckOnce(context.Background())
	}
	if f.wd.IsHalted("worker") || f.status(t) != domain.StatusHealthy {
		t.Error("monitoring errors must not halt the agent")
	}
	if inc := lastIncident(f.wd); inc.Type != domain.IncidentMonitoringError {
		t.Errorf("expected monitoring incident, got %+v", inc)
	}
	if p, _ := f.queue.Pending(); len(p) != 0 {
		t.Errorf("warnings must not reach the notification queue, got %d", len(p))
	}
}

func TestDegradedIsReportedOnly(t *testing.T) {
	f := newFixture(t, 1, 0)
	f.agent.SetHealth(domain.StatusDegraded)

	f.wd.CheckOnce(context.Background())
	if f.status(t) != domain.StatusDegraded || f.agent.Inits() != 1 {
		t.Errorf("degraded agent must not be restarted, status=%s inits=%d", f.status(t), f.agent.Inits())
	}
	if inc := lastIncident(f.wd); inc.Type != domain.IncidentDegraded || inc.Severity != domain.SeverityWarning {
		t.Errorf("unexpected incident %+v", inc)
	}
}

func TestRecoveryClearsCounters(t *testing.T) {
	f := newFixture(t, 5, 3)
	ctx := context.Background()

	f.agent.SetHealth(domain.StatusFailed)
	f.wd.CheckOnce(ctx)
	f.agent.SetHealth(domain.StatusHealthy)
	f.wd.CheckOnce(ctx)

	rec := f.wd.Status().Records["worker"]
	if rec.ErrorCount != 0 || rec.RestartCount != 0 || f.status(t) != domain.StatusHealthy {
		t.Errorf("expected cleared counters, got %+v", rec)
	}
	if inc := lastIncident(f.wd); inc.Type != domain.IncidentRecovered {
		t.Errorf("expected recovery incident, got %+v", inc)
	}
}

func TestClearAgentHalt(t *testing.T) {
	f := newFixture(t, 1, 3)
	ctx := context.Background()

	if err := f.wd.ClearAgentHalt(ctx, "worker", "alice"); !errors.Is(err, domain.ErrNotHalted) {
		t.Fatalf("expected ErrNotHalted, got %v", err)
	}

	f.agent.SetHealth(domain.StatusFailed)
	f.wd.CheckOnce(ctx)
	if !f.wd.IsHalted("worker") {
		t.Fatal("expected halt")
	}

	if err := f.wd.ClearAgentHalt(ctx, "worker", "alice"); err != nil {
		t.Fatal(err)
	}
	rec := f.wd.Status().Records["worker"]
	if rec.Halted || rec.ErrorCount != 0 || f.status(t) != domain.StatusRecovering {
		t.Errorf("unexpected record after clearance %+v", rec)
	}
	if inc := lastIncident(f.wd); inc.Type != domain.IncidentHaltCleared || inc.Details["operator"] != "alice" {
		t.Errorf("unexpected incident %+v", inc)
	}

	// Проверки возобновились
	f.agent.SetHealth(domain.StatusHealthy)
	f.wd.CheckOnce(ctx)
	if f.status(t) != domain.StatusHealthy {
		t.Errorf("expected healthy after clearance, got %s", f.status(t))
	}
}

func TestIncidentBufferIsBounded(t *testing.T) {
	wd := New(registry.New(zap.NewNop()), infra.WatchdogConfig{IncidentBuffer: 3}, zap.NewNop())
	for i := range 5 {
		wd.Raise(context.Background(), domain.Incident{Agent: "a", Type: "test", Details: map[string]any{"n": i}})
	}
	all := wd.Incidents()
	if len(all) != 3 || all[0].Details["n"] != 2 {
		t.Errorf("unexpected buffer %+v", all)
	}
	if all[0].ID == "" || all[0].Timestamp.IsZero() {
		t.Error("incident must get id and timestamp")
	}
}

func TestFileQueueAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notifications.json")
	q := NewFileQueue(path, nil, zap.NewNop())
	ctx := context.Background()

	for _, agent := range []string{"a", "b"} {
		if err := q.Notify(ctx, domain.Incident{ID: agent, Agent: agent, Severity: domain.SeverityCritical}); err != nil {
			t.Fatal(err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var items []domain.Incident
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("queue must be a JSON array: %v", err)
	}
	if len(items) != 2 || items[0].Agent != "a" || items[1].Agent != "b" {
		t.Errorf("unexpected queue %+v", items)
	}

	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := q.Notify(ctx, domain.Incident{ID: "c"}); err == nil {
		t.Error("corrupt queue must not be overwritten silently")
	}
}
