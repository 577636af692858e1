package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Orchestrator.TaskTableSize != 1000 {
		t.Errorf("expected task table size 1000, got %d", cfg.Orchestrator.TaskTableSize)
	}
	if cfg.Orchestrator.AgentCallTimeout != 5*time.Minute {
		t.Errorf("expected call timeout 5m, got %v", cfg.Orchestrator.AgentCallTimeout)
	}
	if cfg.Breaker.FailureThreshold != 5 || cfg.Breaker.Timeout != 60*time.Second {
		t.Errorf("unexpected breaker defaults: %+v", cfg.Breaker)
	}
	if !cfg.Bounded.AutoApproveLowRisk || !cfg.Bounded.LocalOnly {
		t.Errorf("unexpected bounded defaults: %+v", cfg.Bounded)
	}
	if cfg.Bounded.ApprovalTimeout != 24*time.Hour {
		t.Errorf("expected approval timeout 24h, got %v", cfg.Bounded.ApprovalTimeout)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.DSN() != "bounded_autonomy.db" {
		t.Errorf("unexpected database defaults: %+v", cfg.Database)
	}
	if cfg.Watchdog.MaxRestartAttempts != 3 {
		t.Errorf("expected 3 restart attempts, got %d", cfg.Watchdog.MaxRestartAttempts)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
database:
  driver: postgres
  url: postgres://review@localhost/approvals
bounded:
  local_only: false
  approval_timeout: 2h
agents:
  remote:
    - name: scanner
      target: localhost:50051
      capabilities: [scan]
      priority: high
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFrom(path)
	if err != nil {
		t.Fatalf("LoadConfigFrom: %v", err)
	}
	if cfg.Database.DSN() != "postgres://review@localhost/approvals" {
		t.Errorf("expected postgres dsn, got %q", cfg.Database.DSN())
	}
	if cfg.Bounded.LocalOnly {
		t.Error("expected local_only=false from file")
	}
	if cfg.Bounded.ApprovalTimeout != 2*time.Hour {
		t.Errorf("expected 2h, got %v", cfg.Bounded.ApprovalTimeout)
	}
	if len(cfg.Agents.Remote) != 1 || cfg.Agents.Remote[0].Target != "localhost:50051" {
		t.Fatalf("unexpected remote agents: %+v", cfg.Agents.Remote)
	}
	// Дефолты не затираются частичным файлом
	if cfg.Orchestrator.HistorySize != 1000 {
		t.Errorf("expected default history size, got %d", cfg.Orchestrator.HistorySize)
	}
}

func TestLoadKeyResourcePrefersEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.pem")
	if err := os.WriteFile(path, []byte("from-file"), 0o600); err != nil {
		t.Fatal(err)
	}
	if got := string(loadKeyResource(path, "TEST_KEY_DATA_UNSET")); got != "from-file" {
		t.Errorf("expected file contents, got %q", got)
	}
	t.Setenv("TEST_KEY_DATA_SET", "from-env")
	if got := string(loadKeyResource(path, "TEST_KEY_DATA_SET")); got != "from-env" {
		t.Errorf("expected env contents, got %q", got)
	}
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	if _, err := NewLogger(LoggerConfig{Level: "loud"}); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, err := NewLogger(LoggerConfig{Level: "debug", Format: "console"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
