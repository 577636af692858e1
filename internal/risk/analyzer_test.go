package risk

import (
	"testing"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
)

func TestAssessAction(t *testing.T) {
	c := NewKeywordClassifier(Keywords{}, zap.NewNop())

	tests := []struct {
		fn   string
		want domain.RiskLevel
	}{
		{"deploy_model", domain.RiskCritical},
		{"DELETE_user", domain.RiskCritical},
		{"publish_post", domain.RiskCritical}, // critical перекрывает high
		{"create_user", domain.RiskHigh},
		{"send_email", domain.RiskHigh},
		{"analyze_data", domain.RiskMedium},
		{"Generate_Report", domain.RiskMedium},
		{"query_data", domain.RiskLow},
		{"", domain.RiskLow},
	}
	for _, tt := range tests {
		t.Run(tt.fn, func(t *testing.T) {
			if got := c.AssessAction(tt.fn, nil); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestAssessTaskEscalatesForManyAgents(t *testing.T) {
	c := NewKeywordClassifier(Keywords{}, zap.NewNop())

	if got := c.AssessTask("analyze_data", nil, 1); got != domain.RiskMedium {
		t.Errorf("expected medium for single agent, got %s", got)
	}
	if got := c.AssessTask("analyze_data", nil, 3); got != domain.RiskMedium {
		t.Errorf("expected medium for exactly 3 agents, got %s", got)
	}
	if got := c.AssessTask("query_data", nil, 4); got != domain.RiskHigh {
		t.Errorf("expected high for 4 agents, got %s", got)
	}
	if got := c.AssessTask("deploy_system", nil, 5); got != domain.RiskCritical {
		t.Errorf("escalation must not lower critical, got %s", got)
	}
}

func TestCustomKeywordsAndThresholds(t *testing.T) {
	c := NewKeywordClassifier(Keywords{Critical: []string{"Refund"}}, zap.NewNop())
	if got := c.AssessAction("refund_order", nil); got != domain.RiskCritical {
		t.Errorf("expected custom critical keyword, got %s", got)
	}
	// Незаданные списки остаются встроенными
	if got := c.AssessAction("create_order", nil); got != domain.RiskHigh {
		t.Errorf("expected default high keyword, got %s", got)
	}
	if got := c.AssessAction("deploy", nil); got != domain.RiskLow {
		t.Errorf("replaced critical list must drop defaults, got %s", got)
	}

	c.AddThreshold(Threshold{Field: "amount", Limit: 1000, Level: domain.RiskHigh})
	if got := c.AssessAction("lookup", map[string]any{"amount": 5000.0}); got != domain.RiskHigh {
		t.Errorf("expected threshold escalation, got %s", got)
	}
	if got := c.AssessAction("lookup", map[string]any{"amount": 10}); got != domain.RiskLow {
		t.Errorf("expected low under threshold, got %s", got)
	}
}
