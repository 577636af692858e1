package engine

import (
	"sync"
	"time"
)

type sharedValue struct {
	value     any
	expiresAt time.Time // zero — бессрочно
}

// SharedContext — версионируемое key/value хранилище одной задачи.
// Передается по ссылке, последняя запись побеждает, каждая запись повышает версию.
type SharedContext struct {
	mu      sync.RWMutex
	data    map[string]sharedValue
	version uint64
	now     func() time.Time
}

func NewSharedContext() *SharedContext {
	return &SharedContext{data: make(map[string]sharedValue), now: time.Now}
}

func (c *SharedContext) Set(key string, value any) {
	c.Share(key, value, 0)
}

// Share кладет значение с TTL. ttl <= 0 — без срока.
func (c *SharedContext) Share(key string, value any, ttl time.Duration) {
	v := sharedValue{value: value}
	if ttl > 0 {
		v.expiresAt = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.data[key] = v
	c.version++
	c.mu.Unlock()
}

// Merge сливает данные агента одной версией
func (c *SharedContext) Merge(values map[string]any) {
	if len(values) == 0 {
		return
	}
	c.mu.Lock()
	for k, v := range values {
		c.data[k] = sharedValue{value: v}
	}
	c.version++
	c.mu.Unlock()
}

// Get — просроченное значение удаляется при чтении
func (c *SharedContext) Get(key string) (any, bool) {
	c.mu.RLock()
	v, ok := c.data[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !v.expiresAt.IsZero() && c.now().After(v.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.data[key]; ok && cur.expiresAt.Equal(v.expiresAt) {
			delete(c.data, key)
			c.version++
		}
		c.mu.Unlock()
		return nil, false
	}
	return v.value, true
}

func (c *SharedContext) Delete(key string) {
	c.mu.Lock()
	if _, ok := c.data[key]; ok {
		delete(c.data, key)
		c.version++
	}
	c.mu.Unlock()
}

// Snapshot — копия живых значений для входа агента
func (c *SharedContext) Snapshot() map[string]any {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.data))
	for k, v := range c.data {
		if !v.expiresAt.IsZero() && now.After(v.expiresAt) {
			continue
		}
		out[k] = v.value
	}
	return out
}

func (c *SharedContext) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}
