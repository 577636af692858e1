package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/spaceai-orchestrator/internal/audit"
	"github.com/xela07ax/spaceai-orchestrator/internal/bounded"
	"github.com/xela07ax/spaceai-orchestrator/internal/breaker"
	"github.com/xela07ax/spaceai-orchestrator/internal/connectors"
	"github.com/xela07ax/spaceai-orchestrator/internal/console/handler"
	"github.com/xela07ax/spaceai-orchestrator/internal/console/service"
	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator/internal/engine"
	"github.com/xela07ax/spaceai-orchestrator/internal/infra"
	"github.com/xela07ax/spaceai-orchestrator/internal/infra/auth"
	"github.com/xela07ax/spaceai-orchestrator/internal/policy"
	"github.com/xela07ax/spaceai-orchestrator/internal/registry"
	"github.com/xela07ax/spaceai-orchestrator/internal/repository/sqlstore"
	"github.com/xela07ax/spaceai-orchestrator/internal/risk"
	"github.com/xela07ax/spaceai-orchestrator/internal/watchdog"
)

type fixture struct {
	srv    *httptest.Server
	issuer *auth.Issuer
	agent  *connectors.MockAgent
	wd     *watchdog.Watchdog
	days   *audit.DayLog
	token  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	hash, err := service.HashPassword("secret", bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	store, err := sqlstore.Open(ctx, sqlstore.DriverSQLite, filepath.Join(t.TempDir(), "review.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	days, err := audit.NewDayLog(filepath.Join(t.TempDir(), "audit"))
	if err != nil {
		t.Fatal(err)
	}

	reg := registry.New(logger)
	wd := watchdog.New(reg, infra.WatchdogConfig{MaxRestartAttempts: 0}, logger)
	core := engine.NewOrchestrator(reg, breaker.NewSet(5, time.Minute, nil, logger), logger)
	bo := engine.NewBoundedOrchestrator(core, engine.BoundedDeps{
		Store:      store,
		KillSwitch: engine.NewKillSwitch(nil, logger),
		Classifier: risk.NewKeywordClassifier(risk.Keywords{}, logger),
		Policy:     policy.NewNetworkPolicy(true, nil),
		Settings:   bounded.NewSettings(true, time.Hour),
		Incidents:  wd,
	}, logger)

	agent := connectors.NewMockAgent("analyst").WithOutput(map[string]any{"rows": 10}, nil)
	if err := bo.RegisterAgent(ctx, agent, domain.CapabilityRecord{Capabilities: []string{"analysis"}}); err != nil {
		t.Fatal(err)
	}

	issuer := auth.NewIssuer(key, time.Hour)
	authSvc := service.NewAuthService(map[string]string{"alice": hash}, issuer, auth.NewBaseValidator(&key.PublicKey), logger)
	s := NewConsoleServer(authSvc, Handlers{
		Auth:     handler.NewAuthHandler(authSvc),
		Approval: handler.NewApprovalHandler(bo),
		Control:  handler.NewControlHandler(bo),
		Agent:    handler.NewAgentHandler(service.NewAgentService(bo, wd, logger)),
		Task:     handler.NewTaskHandler(bo),
		Audit:    handler.NewAuditHandler(service.NewAuditService(days)),
	}, logger)

	f := &fixture{srv: httptest.NewServer(s), issuer: issuer, agent: agent, wd: wd, days: days}
	t.Cleanup(f.srv.Close)
	f.token = f.login(t, "alice", "secret")
	return f
}

func (f *fixture) login(t *testing.T, user, password string) string {
	t.Helper()
	body, _ := json.Marshal(domain.LoginRequest{Username: user, Password: password})
	resp, err := http.Post(f.srv.URL+"/auth/token", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	var tok domain.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		t.Fatal(err)
	}
	return tok.AccessToken
}

// do выполняет запрос и декодирует JSON-ответ в out (если out != nil)
func (f *fixture) do(t *testing.T, method, path, token string, in, out any) int {
	t.Helper()
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &body)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (f *fixture) submit(t *testing.T, taskType string) engine.TaskOutcome {
	t.Helper()
	var out engine.TaskOutcome
	f.do(t, http.MethodPost, "/v1/tasks", f.token, handler.SubmitTaskRequest{
		Type:                 taskType,
		RequiredCapabilities: []string{"analysis"},
	}, &out)
	return out
}

func TestLoginAndAuthentication(t *testing.T) {
	f := newFixture(t)

	if code := f.do(t, http.MethodGet, "/health", "", nil, nil); code != http.StatusOK {
		t.Errorf("health: expected 200, got %d", code)
	}
	if f.token == "" {
		t.Fatal("expected token for valid credentials")
	}
	if tok := f.login(t, "alice", "wrong"); tok != "" {
		t.Error("wrong password must not yield a token")
	}
	if tok := f.login(t, "mallory", "secret"); tok != "" {
		t.Error("unknown operator must not yield a token")
	}
	if code := f.do(t, http.MethodGet, "/v1/approvals", "", nil, nil); code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", code)
	}
	if code := f.do(t, http.MethodGet, "/v1/approvals", "garbage", nil, nil); code != http.StatusUnauthorized {
		t.Errorf("expected 401 for invalid token, got %d", code)
	}

	var list []domain.ApprovalRecord
	if code := f.do(t, http.MethodGet, "/v1/approvals", f.token, nil, &list); code != http.StatusOK || len(list) != 0 {
		t.Errorf("expected empty queue, got %d %v", code, list)
	}
}

func TestScopeIsEnforced(t *testing.T) {
	f := newFixture(t)
	tok, err := f.issuer.Issue("viewer", []string{domain.ScopeApprovals})
	if err != nil {
		t.Fatal(err)
	}

	if code := f.do(t, http.MethodPost, "/v1/control/pause", tok.AccessToken, nil, nil); code != http.StatusForbidden {
		t.Errorf("expected 403 without control scope, got %d", code)
	}
	if code := f.do(t, http.MethodGet, "/v1/approvals", tok.AccessToken, nil, nil); code != http.StatusOK {
		t.Errorf("expected 200 with approvals scope, got %d", code)
	}
}

func TestApproveOverHTTP(t *testing.T) {
	f := newFixture(t)

	out := f.submit(t, "deploy_system")
	if out.Status != string(domain.ActionPendingApproval) || out.ActionID == "" {
		t.Fatalf("expected pending approval, got %+v", out)
	}
	if f.agent.Calls() != 0 {
		t.Fatal("task must wait for approval")
	}

	var list []domain.ApprovalRecord
	f.do(t, http.MethodGet, "/v1/approvals", f.token, nil, &list)
	if len(list) != 1 || list[0].ActionID != out.ActionID {
		t.Fatalf("expected the task in the queue, got %+v", list)
	}

	var details domain.ActionDetails
	if code := f.do(t, http.MethodGet, "/v1/approvals/"+out.ActionID, f.token, nil, &details); code != http.StatusOK {
		t.Fatalf("details: %d", code)
	}
	if details.RiskLevel != domain.RiskCritical || len(details.History) == 0 {
		t.Errorf("unexpected details %+v", details)
	}

	var res engine.ApprovalOutcome
	code := f.do(t, http.MethodPost, "/v1/approvals/"+out.ActionID+"/approve", f.token, handler.ApproveRequest{Notes: "ship it"}, &res)
	if code != http.StatusOK || res.Status != string(domain.TaskCompleted) {
		t.Fatalf("approve: %d %+v", code, res)
	}
	if f.agent.Calls() != 1 {
		t.Errorf("expected the task to run once, got %d", f.agent.Calls())
	}

	if code := f.do(t, http.MethodPost, "/v1/approvals/"+out.ActionID+"/approve", f.token, nil, nil); code != http.StatusConflict {
		t.Errorf("second approve: expected 409, got %d", code)
	}
	if code := f.do(t, http.MethodPost, "/v1/approvals/missing/approve", f.token, nil, nil); code != http.StatusNotFound {
		t.Errorf("unknown action: expected 404, got %d", code)
	}

	var task domain.Task
	if code := f.do(t, http.MethodGet, "/v1/tasks/"+out.TaskID, f.token, nil, &task); code != http.StatusOK || task.Status != domain.TaskCompleted {
		t.Errorf("expected completed task, got %d %+v", code, task)
	}
}

func TestRejectOverHTTP(t *testing.T) {
	f := newFixture(t)
	out := f.submit(t, "create_user")

	path := "/v1/approvals/" + out.ActionID + "/reject"
	if code := f.do(t, http.MethodPost, path, f.token, handler.RejectRequest{}, nil); code != http.StatusBadRequest {
		t.Errorf("expected 400 without reason, got %d", code)
	}

	var dec domain.Decision
	if code := f.do(t, http.MethodPost, path, f.token, handler.RejectRequest{Reason: "not today"}, &dec); code != http.StatusOK {
		t.Fatalf("reject: %d", code)
	}
	if dec.Status != domain.ApprovalRejected || dec.Operator != "alice" {
		t.Errorf("unexpected decision %+v", dec)
	}
	if f.agent.Calls() != 0 {
		t.Error("rejected task must never run")
	}

	var stats domain.OperatorStatistics
	f.do(t, http.MethodGet, "/v1/operators/stats?operator=alice", f.token, nil, &stats)
	if stats["alice"]["reject"] != 1 {
		t.Errorf("unexpected stats %v", stats)
	}
}

func TestEmergencyStopAndPause(t *testing.T) {
	f := newFixture(t)

	var rep engine.EmergencyReport
	if code := f.do(t, http.MethodPost, "/v1/control/emergency-stop", f.token, handler.EmergencyStopRequest{Reason: "drill"}, &rep); code != http.StatusOK {
		t.Fatalf("emergency stop: %d", code)
	}
	if rep.Reason != "drill" {
		t.Errorf("unexpected report %+v", rep)
	}
	if code := f.do(t, http.MethodPost, "/v1/tasks", f.token, handler.SubmitTaskRequest{Type: "summarize_report"}, nil); code != http.StatusForbidden {
		t.Errorf("expected blocked task, got %d", code)
	}
	if code := f.do(t, http.MethodPost, "/v1/control/resume", f.token, nil, nil); code != http.StatusOK {
		t.Fatalf("resume: %d", code)
	}

	f.do(t, http.MethodPost, "/v1/control/pause", f.token, nil, nil)
	out := f.submit(t, "summarize_report")
	if out.Status != string(domain.ActionQueued) {
		t.Fatalf("expected queued task, got %+v", out)
	}

	var un handler.UnpauseResponse
	if code := f.do(t, http.MethodPost, "/v1/control/unpause", f.token, nil, &un); code != http.StatusOK {
		t.Fatalf("unpause: %d", code)
	}
	if un.QueuedTasks != 1 || len(un.Drained) != 1 || un.Drained[0].Status != string(domain.TaskCompleted) {
		t.Errorf("unexpected unpause response %+v", un)
	}

	var st service.SystemStatus
	f.do(t, http.MethodGet, "/v1/control/status", f.token, nil, &st)
	if st.BoundedStatus == nil || st.BoundedAutonomy.SystemControls.EmergencyStop || st.BoundedAutonomy.SystemControls.Paused {
		t.Errorf("expected clear controls, got %+v", st.BoundedStatus)
	}
}

func TestWatchdogClearOverHTTP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if code := f.do(t, http.MethodPost, "/v1/watchdog/agents/analyst/clear", f.token, nil, nil); code != http.StatusConflict {
		t.Errorf("expected 409 for agent that is not halted, got %d", code)
	}

	f.agent.SetHealth(domain.StatusFailed)
	f.wd.CheckOnce(ctx)
	if !f.wd.IsHalted("analyst") {
		t.Fatal("expected halt")
	}

	var st watchdog.Status
	f.do(t, http.MethodGet, "/v1/watchdog", f.token, nil, &st)
	if len(st.Halted) != 1 || st.Halted[0] != "analyst" {
		t.Errorf("unexpected watchdog status %+v", st)
	}

	f.agent.SetHealth(domain.StatusHealthy)
	if code := f.do(t, http.MethodPost, "/v1/watchdog/agents/analyst/clear", f.token, nil, nil); code != http.StatusOK {
		t.Fatalf("clear: %d", code)
	}
	if f.wd.IsHalted("analyst") {
		t.Error("halt must be cleared")
	}

	var stats domain.OperatorStatistics
	f.do(t, http.MethodGet, "/v1/operators/stats", f.token, nil, &stats)
	if stats["alice"][service.ActivityClearHalt] != 1 {
		t.Errorf("expected clear_halt activity, got %v", stats)
	}
}

func TestAgentsAndAudit(t *testing.T) {
	f := newFixture(t)
	day := time.Date(2026, 1, 31, 10, 0, 0, 0, time.UTC)
	err := f.days.WriteBatch(context.Background(), []audit.Event{
		{Timestamp: day, ActionID: "a1", AgentName: "analyst", Event: audit.EventExecuted},
		{Timestamp: day, ActionID: "a2", AgentName: "reporter", Event: audit.EventBlocked},
	})
	if err != nil {
		t.Fatal(err)
	}

	var events []audit.Event
	if code := f.do(t, http.MethodGet, "/v1/audit?date=2026-01-31&agent=analyst", f.token, nil, &events); code != http.StatusOK {
		t.Fatalf("audit: %d", code)
	}
	if len(events) != 1 || events[0].ActionID != "a1" {
		t.Errorf("unexpected audit events %+v", events)
	}
	if code := f.do(t, http.MethodGet, "/v1/audit?date=31.01.2026", f.token, nil, nil); code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad date, got %d", code)
	}

	var agents []service.AgentView
	f.do(t, http.MethodGet, "/v1/agents", f.token, nil, &agents)
	if len(agents) != 1 || agents[0].Name != "analyst" || agents[0].Status != domain.StatusHealthy {
		t.Errorf("unexpected agents %+v", agents)
	}
	if code := f.do(t, http.MethodGet, "/v1/agents/ghost", f.token, nil, nil); code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown agent, got %d", code)
	}
	if code := f.do(t, http.MethodDelete, "/v1/agents/analyst", f.token, nil, nil); code != http.StatusNoContent {
		t.Errorf("unregister: expected 204, got %d", code)
	}
	if code := f.do(t, http.MethodGet, "/v1/agents/analyst", f.token, nil, nil); code != http.StatusNotFound {
		t.Errorf("expected 404 after unregister, got %d", code)
	}
}
