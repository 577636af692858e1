package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
)

// RecordActivity пишет в журнал оператора действие вне очереди
// (emergency-stop, resume, clear-halt и т.п.).
func (s *Store) RecordActivity(ctx context.Context, operator, action, actionID string, metadata map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback()

	if err := s.addActivity(ctx, tx, operator, action, actionID, s.now(), metadata); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlstore: commit activity: %w", err)
	}
	return nil
}

// OperatorStatistics агрегирует журнал: оператор -> действие -> количество.
// Пустой operator — все операторы.
func (s *Store) OperatorStatistics(ctx context.Context, operator string) (domain.OperatorStatistics, error) {
	query := `SELECT operator, action, COUNT(*) FROM operator_activity`
	var args []any
	if operator != "" {
		query += ` WHERE operator = ?`
		args = append(args, operator)
	}
	query += ` GROUP BY operator, action`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query operator statistics: %w", err)
	}
	defer rows.Close()

	stats := make(domain.OperatorStatistics)
	for rows.Next() {
		var (
			op, action string
			n          int
		)
		if err := rows.Scan(&op, &action, &n); err != nil {
			return nil, fmt.Errorf("sqlstore: scan operator statistics: %w", err)
		}
		if stats[op] == nil {
			stats[op] = make(map[string]int)
		}
		stats[op][action] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: rows iteration error: %w", err)
	}
	return stats, nil
}

func (s *Store) addActivity(ctx context.Context, tx *sql.Tx, operator, action, actionID string, at time.Time, metadata map[string]any) error {
	var payload any
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("sqlstore: marshal activity metadata: %w", err)
		}
		payload = string(b)
	}
	var id any
	if actionID != "" {
		id = actionID
	}
	_, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO operator_activity (operator, action, action_id, timestamp, metadata)
		VALUES (?, ?, ?, ?, ?)`), operator, action, id, toMillis(at), payload)
	if err != nil {
		return fmt.Errorf("sqlstore: insert activity: %w", err)
	}
	return nil
}
