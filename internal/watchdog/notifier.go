package watchdog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator/internal/infra"
)

// Notifier доставляет инциденты, требующие вмешательства оператора
type Notifier interface {
	Notify(ctx context.Context, inc domain.Incident) error
}

// FileQueue — очередь уведомлений: JSON-массив в файле, опционально зеркало в Redis.
type FileQueue struct {
	path   string
	rdb    *redis.Client
	logger *zap.Logger

	mu sync.Mutex
}

func NewFileQueue(path string, rdb *redis.Client, logger *zap.Logger) *FileQueue {
	return &FileQueue{
		path:   path,
		rdb:    rdb,
		logger: logger.With(zap.String("mod", "notifications")),
	}
}

// Notify дописывает инцидент в конец массива. Файл переписывается атомарно (tmp + rename).
func (q *FileQueue) Notify(ctx context.Context, inc domain.Incident) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.readLocked()
	if err != nil {
		return err
	}
	items = append(items, inc)
	if err := q.writeLocked(items); err != nil {
		return err
	}

	if q.rdb != nil {
		payload, err := json.Marshal(inc)
		if err != nil {
			return fmt.Errorf("notifications: marshal incident: %w", err)
		}
		pipe := q.rdb.Pipeline()
		pipe.RPush(ctx, infra.RedisKeyNotifications, payload)
		pipe.Publish(ctx, infra.RedisChanIncidents, payload)
		if _, err := pipe.Exec(ctx); err != nil {
			// Файл уже записан: уведомление не потеряно
			q.logger.Error("failed to mirror notification to redis", zap.String("incident", inc.ID), zap.Error(err))
		}
	}
	return nil
}

// Pending — текущее содержимое очереди
func (q *FileQueue) Pending() ([]domain.Incident, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readLocked()
}

func (q *FileQueue) readLocked() ([]domain.Incident, error) {
	data, err := os.ReadFile(q.path)
	if errors.Is(err, os.ErrNotExist) {
		return []domain.Incident{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("notifications: read queue: %w", err)
	}
	var items []domain.Incident
	if len(data) > 0 {
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("notifications: decode queue %s: %w", q.path, err)
		}
	}
	return items, nil
}

func (q *FileQueue) writeLocked(items []domain.Incident) error {
	if dir := filepath.Dir(q.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("notifications: create directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("notifications: encode queue: %w", err)
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("notifications: write queue: %w", err)
	}
	if err := os.Rename(tmp, q.path); err != nil {
		return fmt.Errorf("notifications: replace queue: %w", err)
	}
	return nil
}
