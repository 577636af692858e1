package engine

import (
	"sync"

	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
)

// DefaultHistorySize — глубина кольцевого буфера истории вызовов
const DefaultHistorySize = 1000

// history — кольцевой буфер последних вызовов агентов, только для отчетов
type history struct {
	mu   sync.Mutex
	buf  []domain.ExecutionRecord
	next int
	full bool
}

func newHistory(size int) *history {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &history{buf: make([]domain.ExecutionRecord, size)}
}

func (h *history) add(rec domain.ExecutionRecord) {
	h.mu.Lock()
	h.buf[h.next] = rec
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
	h.mu.Unlock()
}

// snapshot — от старых к новым
func (h *history) snapshot() []domain.ExecutionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.full {
		out := make([]domain.ExecutionRecord, h.next)
		copy(out, h.buf[:h.next])
		return out
	}
	out := make([]domain.ExecutionRecord, 0, len(h.buf))
	out = append(out, h.buf[h.next:]...)
	return append(out, h.buf[:h.next]...)
}
