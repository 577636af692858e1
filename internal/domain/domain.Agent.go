package domain

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"
)

// AgentStatus — жизненный цикл агента в Control Plane
type AgentStatus string

const (
	StatusInitializing AgentStatus = "initializing"
	StatusHealthy      AgentStatus = "healthy"
	StatusDegraded     AgentStatus = "degraded"   // Работает, но с ошибками
	StatusRecovering   AgentStatus = "recovering" // После рестарта Watchdog'ом
	StatusFailed       AgentStatus = "failed"     // Исключен из исполнения
)

// Priority определяет порядок выбора агентов (меньше — важнее)
type Priority int

const (
	PriorityCritical Priority = iota + 1 // security, auth
	PriorityHigh                         // платежи, заказы
	PriorityMedium                       // контент, аналитика
	PriorityLow                          // фоновые задачи
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParsePriority используется конфигом удаленных агентов и API задач. Пустая строка — medium.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "", "medium":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// Agent — контракт, который оркестратор ожидает от любой единицы работы.
// Бизнес-логика агентов живет вне ядра, ядро видит только эти методы.
type Agent interface {
	Name() string
	Version() string
	Initialize(ctx context.Context) error
	ExecuteCore(ctx context.Context, in ExecutionInput) (Result, error)
	HealthCheck(ctx context.Context) (HealthReport, error)
}

// AgentFunc — именованная функция агента, вызываемая через Bounded Wrapper
type AgentFunc func(ctx context.Context, params map[string]any) (Result, error)

// FunctionProvider реализуют агенты, у которых кроме ExecuteCore есть
// дополнительные операции. Таблица проверяется при регистрации.
type FunctionProvider interface {
	Functions() map[string]AgentFunc
}

// ExecutionInput — то, что агент получает на вход внутри задачи
type ExecutionInput struct {
	Parameters      map[string]any
	SharedContext   map[string]any    // Снимок общего контекста задачи
	PreviousResults map[string]Result // Результаты агентов, отработавших раньше
}

type Result struct {
	Status string         `json:"status"`
	Output map[string]any `json:"output,omitempty"`
	// SharedData сливается в общий контекст задачи после успешного вызова
	SharedData map[string]any `json:"shared_data,omitempty"`
}

type HealthReport struct {
	Status  AgentStatus    `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// CapabilityRecord — декларация агента в реестре
type CapabilityRecord struct {
	AgentName     string   `json:"agent_name"`
	Capabilities  []string `json:"capabilities"`
	Dependencies  []string `json:"dependencies"`
	Priority      Priority `json:"priority"`
	MaxConcurrent int      `json:"max_concurrent"`
	RateLimit     int      `json:"rate_limit"` // запросов в минуту
}

const (
	DefaultMaxConcurrent = 5
	DefaultRateLimit     = 100
)

// WithDefaults заполняет незаданные поля значениями по умолчанию
func (c CapabilityRecord) WithDefaults() CapabilityRecord {
	if c.Priority == 0 {
		c.Priority = PriorityMedium
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.RateLimit <= 0 {
		c.RateLimit = DefaultRateLimit
	}
	return c
}

func (c CapabilityRecord) HasAll(required []string) bool {
	for _, r := range required {
		if !slices.Contains(c.Capabilities, r) {
			return false
		}
	}
	return true
}

// AgentMetrics — счетчики производительности агента
type AgentMetrics struct {
	Calls     int64         `json:"calls"`
	Errors    int64         `json:"errors"`
	TotalTime time.Duration `json:"total_time"`
	AvgTime   time.Duration `json:"avg_time"`
	LastCall  time.Time     `json:"last_call"`
}

// CoreFunction — имя, под которым Bounded Wrapper вызывает ExecuteCore напрямую
const CoreFunction = "execute_core"
