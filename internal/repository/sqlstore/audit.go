package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xela07ax/spaceai-orchestrator/internal/audit"
)

// Колонок в audit_events на одно событие
const auditFields = 8

// WriteBatch реализует audit.Storage: пачка событий одним INSERT.
// Файловый журнал остается основным, таблица служит зеркалом для SQL-запросов.
func (s *Store) WriteBatch(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO audit_events (timestamp, action_id, agent_name, function_name, event, risk_level, approval_status, metadata) VALUES `)
	vals := make([]any, 0, len(events)*auditFields)
	for i, e := range events {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?)")

		var meta any
		if len(e.Metadata) > 0 {
			b, err := json.Marshal(e.Metadata)
			if err != nil {
				return fmt.Errorf("sqlstore: marshal audit metadata: %w", err)
			}
			meta = string(b)
		}
		vals = append(vals, toMillis(e.Timestamp), e.ActionID, e.AgentName, e.FunctionName,
			e.Event, e.RiskLevel, e.ApprovalStatus, meta)
	}

	if _, err := s.db.ExecContext(ctx, s.rebind(sb.String()), vals...); err != nil {
		return fmt.Errorf("sqlstore: insert audit batch: %w", err)
	}
	return nil
}

// AuditEvents читает зеркало по action_id, от старых к новым
func (s *Store) AuditEvents(ctx context.Context, actionID string) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT timestamp, action_id, agent_name, function_name, event,
		risk_level, approval_status, metadata FROM audit_events WHERE action_id = ? ORDER BY id`), actionID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query audit events: %w", err)
	}
	defer rows.Close()

	out := make([]audit.Event, 0)
	for rows.Next() {
		var (
			e    audit.Event
			ts   int64
			meta *string
		)
		if err := rows.Scan(&ts, &e.ActionID, &e.AgentName, &e.FunctionName, &e.Event,
			&e.RiskLevel, &e.ApprovalStatus, &meta); err != nil {
			return nil, fmt.Errorf("sqlstore: scan audit event: %w", err)
		}
		e.Timestamp = fromMillis(ts).In(time.UTC)
		if meta != nil {
			if err := json.Unmarshal([]byte(*meta), &e.Metadata); err != nil {
				return nil, fmt.Errorf("sqlstore: decode audit metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: rows iteration error: %w", err)
	}
	return out, nil
}
