package watchdog

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-orchestrator/internal/engine"
	"github.com/xela07ax/spaceai-orchestrator/internal/infra"
)

// haltSet — множество остановленных агентов, общее для всех процессов.
// L1 — записи Watchdog, L2 — Redis SET, изменения расходятся через Pub/Sub.
type haltSet struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func (h *haltSet) load(ctx context.Context) ([]string, error) {
	agents, err := h.rdb.SMembers(ctx, infra.RedisKeyHaltedAgents).Result()
	if err != nil {
		return nil, fmt.Errorf("watchdog: load halted agents: %w", err)
	}
	return agents, nil
}

func (h *haltSet) publish(ctx context.Context, agent string, halted bool) error {
	pipe := h.rdb.TxPipeline()
	if halted {
		pipe.SAdd(ctx, infra.RedisKeyHaltedAgents, agent)
	} else {
		pipe.SRem(ctx, infra.RedisKeyHaltedAgents, agent)
	}
	pipe.Publish(ctx, infra.RedisChanHalts, engine.FormatSignal(agent, halted))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("watchdog: broadcast halt of %s: %w", agent, err)
	}
	return nil
}

func (h *haltSet) listen(ctx context.Context, onReconnect func() error, apply func(agent string, halted bool)) {
	engine.ListenStateResilient(ctx, h.rdb, h.logger, infra.RedisChanHalts, onReconnect, apply)
}
