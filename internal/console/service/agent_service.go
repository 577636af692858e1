package service

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator/internal/engine"
	"github.com/xela07ax/spaceai-orchestrator/internal/watchdog"
)

// Действия журнала оператора, которые выполняет консоль
const (
	ActivityClearHalt  = "clear_halt"
	ActivityUnregister = "unregister_agent"
)

// AgentRuntime — то, что консоли нужно от оркестратора
type AgentRuntime interface {
	Health(ctx context.Context) engine.SystemHealth
	Status(ctx context.Context) (*engine.BoundedStatus, error)
	UnregisterAgent(name string) error
	RecordActivity(ctx context.Context, operator, action, actionID string, metadata map[string]any) error
}

// HaltController — Watchdog
type HaltController interface {
	ClearAgentHalt(ctx context.Context, agent, operator string) error
	Status() watchdog.Status
}

type AgentView struct {
	Name string `json:"name"`
	engine.AgentHealth
	Watchdog *domain.WatchdogRecord `json:"watchdog,omitempty"`
}

// SystemStatus — сводка для дашборда
type SystemStatus struct {
	*engine.BoundedStatus
	Watchdog watchdog.Status `json:"watchdog"`
}

type AgentService struct {
	runtime  AgentRuntime
	watchdog HaltController
	logger   *zap.Logger
}

func NewAgentService(rt AgentRuntime, wd HaltController, logger *zap.Logger) *AgentService {
	return &AgentService{
		runtime:  rt,
		watchdog: wd,
		logger:   logger.Named("agent-service"),
	}
}

// ListAgents возвращает здоровье всех агентов. Пустой реестр — пустой список, а не null.
func (s *AgentService) ListAgents(ctx context.Context) []AgentView {
	health := s.runtime.Health(ctx)
	wd := s.watchdog.Status()

	out := make([]AgentView, 0, len(health.Agents))
	for name, h := range health.Agents {
		v := AgentView{Name: name, AgentHealth: h}
		if rec, ok := wd.Records[name]; ok {
			v.Watchdog = &rec
		}
		out = append(out, v)
	}
	sortViews(out)
	return out
}

func (s *AgentService) GetAgent(ctx context.Context, name string) (*AgentView, error) {
	for _, v := range s.ListAgents(ctx) {
		if v.Name == name {
			return &v, nil
		}
	}
	return nil, fmt.Errorf("%w: agent %s", domain.ErrNotFound, name)
}

// ClearHalt снимает halt Watchdog'а и пишет действие в журнал оператора
func (s *AgentService) ClearHalt(ctx context.Context, name, operator string) error {
	if err := s.watchdog.ClearAgentHalt(ctx, name, operator); err != nil {
		return err
	}
	if err := s.runtime.RecordActivity(ctx, operator, ActivityClearHalt, "", map[string]any{"agent": name}); err != nil {
		s.logger.Error("failed to record operator activity",
			zap.String("operator", operator),
			zap.String("action", ActivityClearHalt),
			zap.Error(err))
		return fmt.Errorf("service: record activity: %w", err)
	}
	return nil
}

func (s *AgentService) Unregister(ctx context.Context, name, operator string) error {
	if err := s.runtime.UnregisterAgent(name); err != nil {
		return err
	}
	s.logger.Info("agent unregistered by operator", zap.String("agent", name), zap.String("operator", operator))
	if err := s.runtime.RecordActivity(ctx, operator, ActivityUnregister, "", map[string]any{"agent": name}); err != nil {
		return fmt.Errorf("service: record activity: %w", err)
	}
	return nil
}

func (s *AgentService) WatchdogStatus() watchdog.Status {
	return s.watchdog.Status()
}

func (s *AgentService) SystemStatus(ctx context.Context) (*SystemStatus, error) {
	st, err := s.runtime.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("service: could not fetch status: %w", err)
	}
	return &SystemStatus{BoundedStatus: st, Watchdog: s.watchdog.Status()}, nil
}

func sortViews(v []AgentView) {
	sort.Slice(v, func(i, j int) bool { return v[i].Name < v[j].Name })
}
