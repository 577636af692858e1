package risk

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
)

// Classifier — подключаемая политика оценки риска.
// Ключевые слова — эвристика: ложные срабатывания ожидаемы.
type Classifier interface {
	AssessAction(functionName string, params map[string]any) domain.RiskLevel
	AssessTask(taskType string, params map[string]any, agentCount int) domain.RiskLevel
}

// Встроенные словари
var (
	DefaultCriticalKeywords = []string{"deploy", "delete", "drop", "modify", "publish"}
	DefaultHighKeywords     = []string{"create", "update", "insert", "write", "send", "post"}
	DefaultMediumKeywords   = []string{"analyze", "process", "calculate", "generate", "predict"}
)

// MultiAgentThreshold — больше стольких агентов в задаче поднимает риск до High
const MultiAgentThreshold = 3

// Threshold — динамическое условие: числовой параметр выше Limit поднимает риск до Level
type Threshold struct {
	Field string
	Limit float64
	Level domain.RiskLevel
}

type Keywords struct {
	Critical []string
	High     []string
	Medium   []string
}

// KeywordClassifier сопоставляет имя функции/задачи с подстроками без учета регистра.
type KeywordClassifier struct {
	mu         sync.RWMutex
	kw         Keywords
	thresholds []Threshold
	logger     *zap.Logger
}

func NewKeywordClassifier(kw Keywords, logger *zap.Logger) *KeywordClassifier {
	c := &KeywordClassifier{logger: logger.Named("risk")}
	c.SetKeywords(kw)
	return c
}

// SetKeywords заменяет словари на лету. Пустой список — встроенный.
func (c *KeywordClassifier) SetKeywords(kw Keywords) {
	if len(kw.Critical) == 0 {
		kw.Critical = DefaultCriticalKeywords
	}
	if len(kw.High) == 0 {
		kw.High = DefaultHighKeywords
	}
	if len(kw.Medium) == 0 {
		kw.Medium = DefaultMediumKeywords
	}
	kw.Critical = lower(kw.Critical)
	kw.High = lower(kw.High)
	kw.Medium = lower(kw.Medium)

	c.mu.Lock()
	c.kw = kw
	c.mu.Unlock()
}

// AddThreshold добавляет динамическое условие на параметр
func (c *KeywordClassifier) AddThreshold(t Threshold) {
	c.mu.Lock()
	c.thresholds = append(c.thresholds, t)
	c.mu.Unlock()
}

func (c *KeywordClassifier) AssessAction(functionName string, params map[string]any) domain.RiskLevel {
	c.mu.RLock()
	defer c.mu.RUnlock()

	level := c.byName(functionName)
	for _, t := range c.thresholds {
		if level >= t.Level {
			continue
		}
		// В JSON числа приходят как float64, из Go-кода — как int
		val, ok := number(params[t.Field])
		if ok && val > t.Limit {
			c.logger.Warn("dynamic risk threshold triggered",
				zap.String("function", functionName),
				zap.String("field", t.Field),
				zap.Float64("value", val),
				zap.Float64("threshold", t.Limit))
			level = t.Level
		}
	}
	return level
}

func (c *KeywordClassifier) AssessTask(taskType string, params map[string]any, agentCount int) domain.RiskLevel {
	level := c.AssessAction(taskType, params)
	if agentCount > MultiAgentThreshold && level < domain.RiskHigh {
		level = domain.RiskHigh
	}
	return level
}

func (c *KeywordClassifier) byName(name string) domain.RiskLevel {
	n := strings.ToLower(name)
	switch {
	case containsAny(n, c.kw.Critical):
		return domain.RiskCritical
	case containsAny(n, c.kw.High):
		return domain.RiskHigh
	case containsAny(n, c.kw.Medium):
		return domain.RiskMedium
	}
	return domain.RiskLow
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if w != "" && strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func lower(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return out
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}
