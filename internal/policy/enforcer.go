package policy

import (
	"context"
	"strings"
	"sync"
)

// Enforcer решает, можно ли исполнить функцию агента в текущем режиме изоляции.
type Enforcer interface {
	Authorize(ctx context.Context, agentName, functionName string) (bool, error)
}

// DefaultNetworkKeywords — признаки сетевого вызова в имени функции
var DefaultNetworkKeywords = []string{
	"api", "http", "fetch", "download", "upload", "webhook",
	"request", "get", "post", "put", "delete",
}

// NetworkPolicy запрещает сетевые функции, пока включен localOnly.
// Эвристика по имени: "get"/"put" ловят и безобидные имена.
type NetworkPolicy struct {
	mu        sync.RWMutex
	localOnly bool
	keywords  []string
}

func NewNetworkPolicy(localOnly bool, keywords []string) *NetworkPolicy {
	p := &NetworkPolicy{localOnly: localOnly}
	p.SetKeywords(keywords)
	return p
}

func (p *NetworkPolicy) Authorize(_ context.Context, _ string, functionName string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.localOnly {
		return true, nil
	}
	return !IsNetworkCall(functionName, p.keywords), nil
}

func (p *NetworkPolicy) LocalOnly() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.localOnly
}

// SetLocalOnly — горячее переключение из конфига
func (p *NetworkPolicy) SetLocalOnly(v bool) {
	p.mu.Lock()
	p.localOnly = v
	p.mu.Unlock()
}

func (p *NetworkPolicy) SetKeywords(keywords []string) {
	if len(keywords) == 0 {
		keywords = DefaultNetworkKeywords
	}
	kw := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			kw = append(kw, k)
		}
	}
	p.mu.Lock()
	p.keywords = kw
	p.mu.Unlock()
}

// IsNetworkCall — подстрока без учета регистра
func IsNetworkCall(functionName string, keywords []string) bool {
	n := strings.ToLower(functionName)
	for _, k := range keywords {
		if strings.Contains(n, k) {
			return true
		}
	}
	return false
}
