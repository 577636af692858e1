package domain

import "errors"

// Таксономия ошибок Control Plane. Проверяются через errors.Is.
var (
	ErrNotFound        = errors.New("not-found")
	ErrNotPending      = errors.New("not-pending")
	ErrExpired         = errors.New("expired")
	ErrBlocked         = errors.New("blocked")
	ErrNoCapableAgents = errors.New("no-capable-agents")
	ErrCircuitOpen     = errors.New("circuit-open")
	ErrAgentFailure    = errors.New("agent-failure")
	ErrDuplicate       = errors.New("duplicate")
	ErrInitFailed      = errors.New("init-failed")
	ErrInvalidFunction = errors.New("invalid-function")
	ErrNotHalted       = errors.New("agent is not halted")
	ErrRateLimited     = errors.New("rate-limited")
)

// ErrInvalidTransition возвращает CanTransitionTo для запрещенных переходов
var ErrInvalidTransition = errors.New("invalid approval status transition")
