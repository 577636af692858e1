package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-orchestrator/internal/infra"
)

// Сигналы шины управления
const (
	SignalEmergency = "emergency"
	SignalPause     = "pause"
)

// ControlState — снимок флагов управления
type ControlState struct {
	EmergencyStop bool       `json:"emergency_stop"`
	StopReason    string     `json:"stop_reason,omitempty"`
	StoppedAt     *time.Time `json:"stopped_at,omitempty"`
	Paused        bool       `json:"paused"`
}

// KillSwitch хранит флаги emergency-stop и pause в памяти (L1).
// С Redis флаги переживают рестарт и расходятся по всем процессам через pub/sub.
type KillSwitch struct {
	mu     sync.RWMutex
	state  ControlState
	rdb    *redis.Client // nil — только локальный режим
	logger *zap.Logger

	// onRemote вызывается, когда флаг поменяли извне (другой процесс)
	onRemote func(signal string, on bool)
}

func NewKillSwitch(rdb *redis.Client, logger *zap.Logger) *KillSwitch {
	return &KillSwitch{rdb: rdb, logger: logger.With(zap.String("mod", "killswitch"))}
}

// OnRemoteSignal подписывает обработчик на удаленные сигналы
func (k *KillSwitch) OnRemoteSignal(fn func(signal string, on bool)) {
	k.mu.Lock()
	k.onRemote = fn
	k.mu.Unlock()
}

func (k *KillSwitch) Stopped() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.state.EmergencyStop
}

func (k *KillSwitch) Paused() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.state.Paused
}

func (k *KillSwitch) State() ControlState {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.state
}

// Init загружает текущее состояние флагов при старте сервиса
func (k *KillSwitch) Init(ctx context.Context) error {
	if k.rdb == nil {
		return nil
	}
	reason, err := k.rdb.Get(ctx, infra.RedisKeyEmergencyStop).Result()
	switch {
	case errors.Is(err, redis.Nil):
		k.apply(SignalEmergency, false, "")
	case err != nil:
		return fmt.Errorf("killswitch: load emergency flag: %w", err)
	default:
		k.apply(SignalEmergency, true, reason)
	}

	paused, err := k.rdb.Exists(ctx, infra.RedisKeyPaused).Result()
	if err != nil {
		return fmt.Errorf("killswitch: load pause flag: %w", err)
	}
	k.apply(SignalPause, paused > 0, "")
	return nil
}

// Engage включает emergency-stop
func (k *KillSwitch) Engage(ctx context.Context, reason string) error {
	k.apply(SignalEmergency, true, reason)
	k.logger.Warn("EMERGENCY STOP engaged", zap.String("reason", reason))
	return k.publish(ctx, SignalEmergency, true, reason)
}

// Release снимает emergency-stop
func (k *KillSwitch) Release(ctx context.Context) error {
	k.apply(SignalEmergency, false, "")
	k.logger.Info("emergency stop released")
	return k.publish(ctx, SignalEmergency, false, "")
}

func (k *KillSwitch) Pause(ctx context.Context) error {
	k.apply(SignalPause, true, "")
	k.logger.Info("operations paused")
	return k.publish(ctx, SignalPause, true, "")
}

func (k *KillSwitch) Resume(ctx context.Context) error {
	k.apply(SignalPause, false, "")
	k.logger.Info("operations resumed")
	return k.publish(ctx, SignalPause, false, "")
}

// apply обновляет локальный потокобезопасный кэш. Возвращает true, если флаг изменился.
func (k *KillSwitch) apply(signal string, on bool, reason string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	switch signal {
	case SignalEmergency:
		changed := k.state.EmergencyStop != on
		k.state.EmergencyStop = on
		if on {
			if changed || k.state.StoppedAt == nil {
				now := time.Now()
				k.state.StoppedAt = &now
			}
			if reason != "" {
				k.state.StopReason = reason
			}
		} else {
			k.state.StopReason = ""
			k.state.StoppedAt = nil
		}
		return changed
	case SignalPause:
		changed := k.state.Paused != on
		k.state.Paused = on
		return changed
	}
	return false
}

func (k *KillSwitch) publish(ctx context.Context, signal string, on bool, reason string) error {
	if k.rdb == nil {
		return nil
	}
	key := infra.RedisKeyPaused
	if signal == SignalEmergency {
		key = infra.RedisKeyEmergencyStop
	}

	pipe := k.rdb.TxPipeline()
	if on {
		if reason == "" {
			reason = "on"
		}
		pipe.Set(ctx, key, reason, 0)
	} else {
		pipe.Del(ctx, key)
	}
	pipe.Publish(ctx, infra.RedisChanControl, FormatSignal(signal, on))
	if _, err := pipe.Exec(ctx); err != nil {
		// Локальный флаг уже стоит: процесс защищен, даже если шина недоступна
		k.logger.Error("failed to broadcast control signal", zap.String("signal", signal), zap.Error(err))
		return fmt.Errorf("killswitch: broadcast %s: %w", signal, err)
	}
	return nil
}

// Listen применяет сигналы других процессов. Блокирует до отмены ctx.
func (k *KillSwitch) Listen(ctx context.Context) {
	if k.rdb == nil {
		return
	}
	ListenStateResilient(ctx, k.rdb, k.logger, infra.RedisChanControl,
		func() error { return k.Init(ctx) },
		func(signal string, on bool) {
			if !k.apply(signal, on, "remote signal") {
				return // собственное эхо или повтор
			}
			k.logger.Warn("control signal received", zap.String("signal", signal), zap.Bool("on", on))
			k.mu.RLock()
			fn := k.onRemote
			k.mu.RUnlock()
			if fn != nil {
				fn(signal, on)
			}
		})
}
