package connectors

import (
	"context"
	"fmt"
	"math/rand/v2" // Используем v2 для Go 1.25
	"sync"
	"time"

	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
)

// MockAgent — управляемый агент в памяти процесса: демо-режим демона и тесты.
type MockAgent struct {
	name    string
	version string

	mu          sync.Mutex
	execErr     error
	initErr     error
	healthErr   error
	health      domain.AgentStatus
	output      map[string]any
	sharedData  map[string]any
	funcs       map[string]domain.AgentFunc
	latency     time.Duration
	calls       int
	inits       int
	lastInput   domain.ExecutionInput
	executeHook func(ctx context.Context, in domain.ExecutionInput) (domain.Result, error)
}

func NewMockAgent(name string) *MockAgent {
	return &MockAgent{
		name:    name,
		version: "mock-1.0",
		health:  domain.StatusHealthy,
		funcs:   make(map[string]domain.AgentFunc),
	}
}

func (m *MockAgent) Name() string    { return m.name }
func (m *MockAgent) Version() string { return m.version }

func (m *MockAgent) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inits++
	return m.initErr
}

func (m *MockAgent) ExecuteCore(ctx context.Context, in domain.ExecutionInput) (domain.Result, error) {
	m.mu.Lock()
	m.calls++
	m.lastInput = in
	hook, latency, err := m.executeHook, m.latency, m.execErr
	res := domain.Result{Status: "success", Output: clone(m.output), SharedData: clone(m.sharedData)}
	m.mu.Unlock()

	if latency > 0 {
		// Имитируем задержку latency..2*latency
		jitter := time.Duration(rand.Int64N(int64(latency)))
		select {
		case <-time.After(latency + jitter):
		case <-ctx.Done():
			return domain.Result{}, ctx.Err()
		}
	}
	if hook != nil {
		return hook(ctx, in)
	}
	if err != nil {
		return domain.Result{}, err
	}
	return res, nil
}

func (m *MockAgent) HealthCheck(ctx context.Context) (domain.HealthReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.healthErr != nil {
		return domain.HealthReport{}, m.healthErr
	}
	return domain.HealthReport{Status: m.health, Message: fmt.Sprintf("%s is %s", m.name, m.health)}, nil
}

func (m *MockAgent) Functions() map[string]domain.AgentFunc {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]domain.AgentFunc, len(m.funcs))
	for k, v := range m.funcs {
		out[k] = v
	}
	return out
}

// WithFunction добавляет именованную функцию (до регистрации)
func (m *MockAgent) WithFunction(name string, f domain.AgentFunc) *MockAgent {
	m.mu.Lock()
	m.funcs[name] = f
	m.mu.Unlock()
	return m
}

// WithOutput задает успешный результат ExecuteCore
func (m *MockAgent) WithOutput(output, shared map[string]any) *MockAgent {
	m.mu.Lock()
	m.output, m.sharedData = output, shared
	m.mu.Unlock()
	return m
}

func (m *MockAgent) WithLatency(d time.Duration) *MockAgent {
	m.mu.Lock()
	m.latency = d
	m.mu.Unlock()
	return m
}

// OnExecute подменяет поведение ExecuteCore целиком
func (m *MockAgent) OnExecute(f func(ctx context.Context, in domain.ExecutionInput) (domain.Result, error)) *MockAgent {
	m.mu.Lock()
	m.executeHook = f
	m.mu.Unlock()
	return m
}

func (m *MockAgent) FailExecute(err error) {
	m.mu.Lock()
	m.execErr = err
	m.mu.Unlock()
}

func (m *MockAgent) FailInit(err error) {
	m.mu.Lock()
	m.initErr = err
	m.mu.Unlock()
}

func (m *MockAgent) FailHealthCheck(err error) {
	m.mu.Lock()
	m.healthErr = err
	m.mu.Unlock()
}

func (m *MockAgent) SetHealth(s domain.AgentStatus) {
	m.mu.Lock()
	m.health = s
	m.mu.Unlock()
}

func (m *MockAgent) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockAgent) Inits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inits
}

func (m *MockAgent) LastInput() domain.ExecutionInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastInput
}

func clone(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
