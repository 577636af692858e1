package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
)

// Значения по умолчанию
const (
	DefaultThreshold = 5
	DefaultTimeout   = 60 * time.Second
)

// Snapshot — CircuitBreakerState агента в терминах модели данных
type Snapshot struct {
	State        string     `json:"state"` // closed | half-open | open
	FailureCount uint32     `json:"failure_count"`
	OpenedAt     *time.Time `json:"opened_at,omitempty"`
}

// StateObserver получает числовое состояние (0 closed, 1 half-open, 2 open)
type StateObserver func(agent string, state float64)

type entry struct {
	cb *gobreaker.CircuitBreaker

	mu       sync.Mutex
	openedAt *time.Time
	tripped  uint32 // сколько подряд ошибок было на момент открытия
}

// Set — набор предохранителей, по одному на имя агента.
// Предохранитель не владеет агентом, это метаданные ядра.
type Set struct {
	mu        sync.RWMutex
	breakers  map[string]*entry
	threshold uint32
	timeout   time.Duration
	observe   StateObserver
	logger    *zap.Logger
}

func NewSet(threshold uint32, timeout time.Duration, observe StateObserver, logger *zap.Logger) *Set {
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Set{
		breakers:  make(map[string]*entry),
		threshold: threshold,
		timeout:   timeout,
		observe:   observe,
		logger:    logger.Named("breaker"),
	}
}

func (s *Set) get(agent string) *entry {
	s.mu.RLock()
	e, ok := s.breakers[agent]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.breakers[agent]; ok {
		return e
	}
	e = &entry{}
	e.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        agent,
		MaxRequests: 1, // в half-open пропускаем ровно одну пробу
		Interval:    0, // счетчики сбрасываются только успехом или сменой состояния
		Timeout:     s.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= s.threshold {
				e.mu.Lock()
				e.tripped = counts.ConsecutiveFailures
				e.mu.Unlock()
				return true
			}
			return false
		},
		// Вызывается под мьютексом gobreaker: cb здесь трогать нельзя
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.mu.Lock()
			switch to {
			case gobreaker.StateOpen:
				now := time.Now()
				e.openedAt = &now
			case gobreaker.StateClosed:
				e.openedAt = nil
				e.tripped = 0
			}
			e.mu.Unlock()

			s.logger.Warn("circuit breaker state changed",
				zap.String("agent", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if s.observe != nil {
				s.observe(name, stateValue(to))
			}
		},
	})
	s.breakers[agent] = e
	return e
}

// Execute пропускает вызов через предохранитель агента.
// Открытый предохранитель отвечает domain.ErrCircuitOpen, не вызывая fn.
func (s *Set) Execute(agent string, fn func() error) error {
	_, err := s.get(agent).cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", domain.ErrCircuitOpen, agent)
	}
	return err
}

// IsOpen — проверка перед вызовом. Истекший таймаут переводит в half-open.
func (s *Set) IsOpen(agent string) bool {
	s.mu.RLock()
	e, ok := s.breakers[agent]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return e.cb.State() == gobreaker.StateOpen
}

func (s *Set) State(agent string) string {
	return s.Snapshot(agent).State
}

func (s *Set) Snapshot(agent string) Snapshot {
	s.mu.RLock()
	e, ok := s.breakers[agent]
	s.mu.RUnlock()
	if !ok {
		return Snapshot{State: gobreaker.StateClosed.String()}
	}

	st := e.cb.State()
	counts := e.cb.Counts()

	e.mu.Lock()
	defer e.mu.Unlock()
	snap := Snapshot{State: st.String(), FailureCount: counts.ConsecutiveFailures}
	if st != gobreaker.StateClosed {
		// gobreaker обнуляет счетчики при смене состояния
		snap.FailureCount = e.tripped
		if e.openedAt != nil {
			at := *e.openedAt
			snap.OpenedAt = &at
		}
	}
	return snap
}

// Snapshots — состояние всех известных предохранителей
func (s *Set) Snapshots() map[string]Snapshot {
	s.mu.RLock()
	names := make([]string, 0, len(s.breakers))
	for name := range s.breakers {
		names = append(names, name)
	}
	s.mu.RUnlock()

	out := make(map[string]Snapshot, len(names))
	for _, name := range names {
		out[name] = s.Snapshot(name)
	}
	return out
}

// Reset забывает предохранитель (перерегистрация или снятие агента)
func (s *Set) Reset(agent string) {
	s.mu.Lock()
	delete(s.breakers, agent)
	s.mu.Unlock()
	if s.observe != nil {
		s.observe(agent, 0)
	}
}

func stateValue(st gobreaker.State) float64 {
	switch st {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}
