package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
)

var errBoom = errors.New("boom")

func TestBreakerOpensAfterThreshold(t *testing.T) {
	s := NewSet(3, time.Hour, nil, zap.NewNop())

	for i := 0; i < 3; i++ {
		if err := s.Execute("a", func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: expected agent error, got %v", i, err)
		}
	}

	snap := s.Snapshot("a")
	if snap.State != "open" {
		t.Fatalf("expected open, got %s", snap.State)
	}
	if snap.FailureCount < 3 {
		t.Errorf("open state must carry failureCount >= threshold, got %d", snap.FailureCount)
	}
	if snap.OpenedAt == nil {
		t.Error("expected openedAt to be set")
	}

	called := false
	err := s.Execute("a", func() error { called = true; return nil })
	if !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("open breaker must not invoke the agent")
	}
	if !s.IsOpen("a") {
		t.Error("IsOpen should report true")
	}
}

func TestBreakerHalfOpenThenClosed(t *testing.T) {
	s := NewSet(2, 30*time.Millisecond, nil, zap.NewNop())
	for i := 0; i < 2; i++ {
		_ = s.Execute("a", func() error { return errBoom })
	}
	if s.State("a") != "open" {
		t.Fatalf("expected open, got %s", s.State("a"))
	}

	time.Sleep(50 * time.Millisecond)
	if got := s.State("a"); got != "half-open" {
		t.Fatalf("expected half-open after timeout, got %s", got)
	}

	if err := s.Execute("a", func() error { return nil }); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	snap := s.Snapshot("a")
	if snap.State != "closed" || snap.FailureCount != 0 || snap.OpenedAt != nil {
		t.Errorf("expected clean closed state, got %+v", snap)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	s := NewSet(1, 30*time.Millisecond, nil, zap.NewNop())
	_ = s.Execute("a", func() error { return errBoom })
	time.Sleep(50 * time.Millisecond)

	if err := s.Execute("a", func() error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("expected probe error, got %v", err)
	}
	if got := s.State("a"); got != "open" {
		t.Errorf("expected reopen, got %s", got)
	}
}

func TestBreakerSuccessResetsConsecutive(t *testing.T) {
	s := NewSet(3, time.Hour, nil, zap.NewNop())
	_ = s.Execute("a", func() error { return errBoom })
	_ = s.Execute("a", func() error { return errBoom })
	_ = s.Execute("a", func() error { return nil })
	_ = s.Execute("a", func() error { return errBoom })

	snap := s.Snapshot("a")
	if snap.State != "closed" || snap.FailureCount != 1 {
		t.Errorf("expected closed with 1 failure, got %+v", snap)
	}
}

func TestBreakerObserverAndReset(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]float64{}
	s := NewSet(1, time.Hour, func(agent string, v float64) {
		mu.Lock()
		seen[agent] = v
		mu.Unlock()
	}, zap.NewNop())

	_ = s.Execute("b", func() error { return errBoom })
	mu.Lock()
	if seen["b"] != 2 {
		t.Errorf("expected observer to see open (2), got %v", seen["b"])
	}
	mu.Unlock()

	s.Reset("b")
	if s.State("b") != "closed" {
		t.Error("reset breaker should be closed")
	}
	if len(s.Snapshots()) != 0 {
		t.Errorf("expected no breakers after reset, got %v", s.Snapshots())
	}
}
