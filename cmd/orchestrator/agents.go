package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-orchestrator/internal/connectors"
	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator/internal/engine"
	"github.com/xela07ax/spaceai-orchestrator/internal/infra"
)

// registerRemote подключает gRPC-агента из конфига. Возвращает функцию закрытия соединения.
func registerRemote(ctx context.Context, bo *engine.BoundedOrchestrator, rc infra.RemoteAgentConfig, logger *zap.Logger) (func(), error) {
	prio, err := domain.ParsePriority(rc.Priority)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", rc.Name, err)
	}
	agent, err := connectors.DialRemote(rc, logger)
	if err != nil {
		return nil, err
	}
	err = bo.RegisterAgent(ctx, agent, domain.CapabilityRecord{
		Capabilities:  rc.Capabilities,
		Dependencies:  rc.Dependencies,
		Priority:      prio,
		MaxConcurrent: rc.MaxConcurrent,
		RateLimit:     rc.RateLimit,
	})
	if err != nil {
		agent.Close()
		return nil, err
	}
	return func() { agent.Close() }, nil
}

// registerDemoAgents — пара локальных агентов для ручной проверки консоли
func registerDemoAgents(ctx context.Context, bo *engine.BoundedOrchestrator) error {
	analyst := connectors.NewMockAgent("analyst").
		WithLatency(50*time.Millisecond).
		WithOutput(map[string]any{"rows": 128}, map[string]any{"dataset": "demo"})
	reporter := connectors.NewMockAgent("reporter").
		WithFunction("read_report", func(ctx context.Context, params map[string]any) (domain.Result, error) {
			return domain.Result{Status: "success", Output: map[string]any{"report": params["name"]}}, nil
		}).
		WithFunction("publish_report", func(ctx context.Context, params map[string]any) (domain.Result, error) {
			return domain.Result{Status: "success", Output: map[string]any{"published": params["name"]}}, nil
		}).
		WithFunction("fetch_market_data", func(ctx context.Context, params map[string]any) (domain.Result, error) {
			return domain.Result{Status: "success"}, nil
		})

	if err := bo.RegisterAgent(ctx, analyst, domain.CapabilityRecord{
		Capabilities: []string{"analysis"},
		Priority:     domain.PriorityMedium,
	}); err != nil {
		return err
	}
	return bo.RegisterAgent(ctx, reporter, domain.CapabilityRecord{
		Capabilities: []string{"analysis", "reporting"},
		Dependencies: []string{"analyst"},
		Priority:     domain.PriorityLow,
	})
}
