package bounded

import (
	"sync"
	"time"
)

// Settings — политика, общая для всех Wrapper'ов. Меняется на лету из конфига.
type Settings struct {
	mu              sync.RWMutex
	autoApproveLow  bool
	approvalTimeout time.Duration
}

func NewSettings(autoApproveLowRisk bool, approvalTimeout time.Duration) *Settings {
	return &Settings{autoApproveLow: autoApproveLowRisk, approvalTimeout: approvalTimeout}
}

func (s *Settings) AutoApproveLowRisk() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.autoApproveLow
}

// ApprovalTimeout — 0 означает срок хранилища по умолчанию
func (s *Settings) ApprovalTimeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.approvalTimeout
}

func (s *Settings) Update(autoApproveLowRisk bool, approvalTimeout time.Duration) {
	s.mu.Lock()
	s.autoApproveLow = autoApproveLowRisk
	s.approvalTimeout = approvalTimeout
	s.mu.Unlock()
}
