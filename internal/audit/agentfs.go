package audit

/*
Trail — асинхронный писатель журнала аудита.

- Log не блокирует вызывающего: событие уходит в буферизованный канал,
  при переполнении событие сбрасывается в zap (Load Shedding).
- Воркер копит пачку и пишет ее в Storage по таймеру или при 100 событиях.
- Stop закрывает канал и ждет финальный flush (Drain Pattern).
*/

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const batchSize = 100

// Storage определяет, куда физически будут сохраняться события
type Storage interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []Event) error
}

// Tee пишет пачку во все хранилища по очереди. Сбой одного не мешает остальным.
type Tee []Storage

func (t Tee) WriteBatch(ctx context.Context, events []Event) error {
	var errs []error
	for _, st := range t {
		if err := st.WriteBatch(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Auditor — то, что нужно компонентам, пишущим в журнал
type Auditor interface {
	Log(event Event)
}

type Options struct {
	BufferSize    int
	FlushInterval time.Duration
	// Fill — gauge заполненности буфера, может быть nil
	Fill prometheus.Gauge
	// Dropped вызывается на каждое потерянное событие, может быть nil
	Dropped func()
}

type Trail struct {
	ch       chan Event
	repo     Storage
	interval time.Duration
	fill     prometheus.Gauge
	dropped  func()
	logger   *zap.Logger
	wg       sync.WaitGroup
	started  atomic.Bool

	// closeMu: Log отправляет под RLock, Stop закрывает канал под Lock
	closeMu  sync.RWMutex
	isClosed bool
}

func NewTrail(repo Storage, opts Options, logger *zap.Logger) *Trail {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}
	return &Trail{
		ch:       make(chan Event, opts.BufferSize),
		repo:     repo,
		interval: opts.FlushInterval,
		fill:     opts.Fill,
		dropped:  opts.Dropped,
		logger:   logger.With(zap.String("mod", "audit")),
	}
}

func (t *Trail) Start() {
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	t.wg.Add(1)
	go t.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (t *Trail) Stop() {
	t.closeMu.Lock()
	if t.isClosed {
		t.closeMu.Unlock()
		return
	}
	t.isClosed = true
	t.logger.Info("stopping audit trail: closing channel and flushing buffer...")
	close(t.ch)
	t.closeMu.Unlock()

	if t.started.Load() {
		t.wg.Wait()
	}
	t.logger.Info("audit trail stopped gracefully")
}

func (t *Trail) Log(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	t.closeMu.RLock()
	defer t.closeMu.RUnlock()
	if t.isClosed {
		t.logger.Warn("audit event dropped: trail is stopping",
			zap.String("action_id", event.ActionID), zap.String("event", event.Event))
		t.drop()
		return
	}

	select {
	case t.ch <- event:
		if t.fill != nil {
			t.fill.Set(float64(len(t.ch)))
		}
	default:
		// Буфер переполнен: событие остается только в логе процесса
		t.logger.Error("audit_buffer_overflow",
			zap.String("action_id", event.ActionID),
			zap.String("agent", event.AgentName),
			zap.String("event", event.Event))
		t.drop()
	}
}

func (t *Trail) drop() {
	if t.dropped != nil {
		t.dropped()
	}
}

func (t *Trail) worker() {
	defer t.wg.Done()

	batch := make([]Event, 0, batchSize)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			// Background: основной контекст может быть уже закрыт
			if err := t.repo.WriteBatch(context.Background(), batch); err != nil {
				t.logger.Error("audit flush failed", zap.Int("events", len(batch)), zap.Error(err))
			}
			batch = batch[:0]
		}
		if t.fill != nil {
			t.fill.Set(float64(len(t.ch)))
		}
	}

	for {
		select {
		case event, ok := <-t.ch:
			if !ok {
				flush() // Финальный сброс
				t.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Nop — аудитор-заглушка
type Nop struct{}

func (Nop) Log(Event) {}
