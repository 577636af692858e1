package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
)

// Entry — зарегистрированный агент. Статус и счетчики защищены собственным мьютексом,
// поэтому ядро и Watchdog не блокируют друг друга на разных агентах.
type Entry struct {
	Agent     domain.Agent
	Record    domain.CapabilityRecord
	Functions map[string]domain.AgentFunc

	seq int

	mu      sync.Mutex
	status  domain.AgentStatus
	metrics domain.AgentMetrics
}

func (e *Entry) Status() domain.AgentStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Entry) SetStatus(s domain.AgentStatus) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

// RecordCall обновляет счетчики производительности и статус по исходу вызова.
// Failed меняет только Watchdog.
func (e *Entry) RecordCall(success bool, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics.Calls++
	e.metrics.TotalTime += d
	e.metrics.AvgTime = e.metrics.TotalTime / time.Duration(e.metrics.Calls)
	e.metrics.LastCall = time.Now()
	if !success {
		e.metrics.Errors++
	}
	if e.status == domain.StatusFailed {
		return
	}
	if success {
		e.status = domain.StatusHealthy
	} else {
		e.status = domain.StatusDegraded
	}
}

func (e *Entry) Metrics() domain.AgentMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics
}

// Registry — реестр возможностей: имя агента -> декларация, граф зависимостей.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	deps    map[string]map[string]struct{} // агент -> от кого зависит
	rdeps   map[string]map[string]struct{} // агент -> кто от него зависит
	seq     int
	logger  *zap.Logger
}

func New(logger *zap.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		deps:    make(map[string]map[string]struct{}),
		rdeps:   make(map[string]map[string]struct{}),
		logger:  logger.Named("registry"),
	}
}

// Register инициализирует агента и добавляет его в реестр.
// Ошибка Initialize отменяет регистрацию.
func (r *Registry) Register(ctx context.Context, agent domain.Agent, rec domain.CapabilityRecord) error {
	name := agent.Name()

	r.mu.RLock()
	_, exists := r.entries[name]
	r.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: agent %s", domain.ErrDuplicate, name)
	}

	entry, err := r.prepare(ctx, agent, rec)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Initialize шел без блокировки: кто-то мог успеть раньше
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("%w: agent %s", domain.ErrDuplicate, name)
	}
	r.insertLocked(entry)

	r.logger.Info("agent registered",
		zap.String("agent", name),
		zap.String("version", agent.Version()),
		zap.Strings("capabilities", entry.Record.Capabilities),
		zap.Strings("dependencies", entry.Record.Dependencies),
		zap.Stringer("priority", entry.Record.Priority))
	return nil
}

// Replace — явная перерегистрация: новая декларация и свежий статус.
// Агент, которого не было, просто регистрируется.
func (r *Registry) Replace(ctx context.Context, agent domain.Agent, rec domain.CapabilityRecord) error {
	entry, err := r.prepare(ctx, agent, rec)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.entries[entry.Record.AgentName]; ok {
		r.removeLocked(old.Record.AgentName)
		entry.seq = old.seq
	}
	r.insertLocked(entry)

	r.logger.Info("agent re-registered", zap.String("agent", entry.Record.AgentName))
	return nil
}

func (r *Registry) prepare(ctx context.Context, agent domain.Agent, rec domain.CapabilityRecord) (*Entry, error) {
	name := agent.Name()
	rec = rec.WithDefaults()
	rec.AgentName = name

	var funcs map[string]domain.AgentFunc
	if fp, ok := agent.(domain.FunctionProvider); ok {
		funcs = make(map[string]domain.AgentFunc)
		for fn, f := range fp.Functions() {
			if fn == "" || f == nil {
				return nil, fmt.Errorf("%w: agent %s function %q", domain.ErrInvalidFunction, name, fn)
			}
			funcs[fn] = f
		}
	}

	if err := agent.Initialize(ctx); err != nil {
		r.logger.Error("agent initialization failed", zap.String("agent", name), zap.Error(err))
		return nil, fmt.Errorf("%w: agent %s: %v", domain.ErrInitFailed, name, err)
	}

	return &Entry{
		Agent:     agent,
		Record:    rec,
		Functions: funcs,
		status:    domain.StatusHealthy,
	}, nil
}

func (r *Registry) insertLocked(e *Entry) {
	name := e.Record.AgentName
	if e.seq == 0 {
		r.seq++
		e.seq = r.seq
	}
	r.entries[name] = e

	set := make(map[string]struct{}, len(e.Record.Dependencies))
	for _, d := range e.Record.Dependencies {
		set[d] = struct{}{}
		if r.rdeps[d] == nil {
			r.rdeps[d] = make(map[string]struct{})
		}
		r.rdeps[d][name] = struct{}{}
	}
	r.deps[name] = set
}

func (r *Registry) removeLocked(name string) {
	for d := range r.deps[name] {
		delete(r.rdeps[d], name)
		if len(r.rdeps[d]) == 0 {
			delete(r.rdeps, d)
		}
	}
	delete(r.deps, name)
	delete(r.entries, name)
}

// Unregister удаляет агента. Оставшиеся зависимые агенты только логируются.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; !ok {
		return fmt.Errorf("%w: agent %s", domain.ErrNotFound, name)
	}
	if dependents := keys(r.rdeps[name]); len(dependents) > 0 {
		r.logger.Warn("unregistering agent with dependents",
			zap.String("agent", name), zap.Strings("dependents", dependents))
	}
	r.removeLocked(name)

	r.logger.Info("agent unregistered", zap.String("agent", name))
	return nil
}

func (r *Registry) Get(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Names — все агенты в порядке регистрации
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	names := make([]string, len(out))
	for i, e := range out {
		names[i] = e.Record.AgentName
	}
	return names
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// FindAgentsWith — агенты, у которых есть все требуемые возможности,
// по приоритету, затем по порядку регистрации. Пустой запрос — все агенты.
func (r *Registry) FindAgentsWith(required []string) []string {
	r.mu.RLock()
	matched := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Record.HasAll(required) {
			matched = append(matched, e)
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Record.Priority != matched[j].Record.Priority {
			return matched[i].Record.Priority < matched[j].Record.Priority
		}
		return matched[i].seq < matched[j].seq
	})

	names := make([]string, len(matched))
	for i, e := range matched {
		names[i] = e.Record.AgentName
	}
	return names
}

// ResolveOrder — порядок исполнения подмножества. При цикле пишет warning.
func (r *Registry) ResolveOrder(names []string) ([]string, bool) {
	r.mu.RLock()
	order, cyclic := Resolve(names, func(n string) []string { return keys(r.deps[n]) })
	r.mu.RUnlock()

	if cyclic {
		r.logger.Warn("circular dependency detected, using original order", zap.Strings("agents", names))
	}
	return order, cyclic
}

// DependencyGraph — копия графа: агент -> зависимости
func (r *Registry) DependencyGraph() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.deps))
	for name, set := range r.deps {
		out[name] = keys(set)
	}
	return out
}

// Dependents — кто зависит от агента
func (r *Registry) Dependents(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return keys(r.rdeps[name])
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
