package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
)

// DefaultTimeout — срок на решение оператора
const DefaultTimeout = 24 * time.Hour

// SubmitRequest — новое действие на ревью
type SubmitRequest struct {
	ActionID     string
	AgentName    string
	FunctionName string
	Parameters   map[string]any // уже санитизированы
	RiskLevel    domain.RiskLevel
	WorkflowType domain.WorkflowType
	Timeout      time.Duration // 0 — DefaultTimeout
}

const recordColumns = `action_id, agent_name, function_name, parameters, risk_level, workflow_type, status,
	created_at, timeout_at, approved_at, approved_by, rejection_reason, execution_result`

// Submit кладет действие в очередь. Всегда стартует в pending.
func (s *Store) Submit(ctx context.Context, req SubmitRequest) (*domain.Submission, error) {
	if req.ActionID == "" {
		return nil, fmt.Errorf("sqlstore: empty action id")
	}
	if req.WorkflowType == "" {
		req.WorkflowType = domain.WorkflowDefault
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	params, err := json.Marshal(nonNil(req.Parameters))
	if err != nil {
		return nil, fmt.Errorf("sqlstore: marshal parameters: %w", err)
	}

	now := s.now()
	timeoutAt := now.Add(timeout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO review_queue
		(action_id, agent_name, function_name, parameters, risk_level, workflow_type, status, created_at, timeout_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		req.ActionID, req.AgentName, req.FunctionName, string(params), req.RiskLevel.String(),
		string(req.WorkflowType), string(domain.ApprovalPending), toMillis(now), toMillis(timeoutAt))
	if err != nil {
		return nil, fmt.Errorf("sqlstore: insert review: %w", err)
	}

	if err := s.addHistory(ctx, tx, req.ActionID, domain.EventSubmitted, SystemOperator, now, map[string]any{
		"risk_level":    req.RiskLevel.String(),
		"workflow_type": string(req.WorkflowType),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlstore: commit submit: %w", err)
	}

	s.logger.Info("action submitted for review",
		zap.String("action_id", req.ActionID),
		zap.String("agent", req.AgentName),
		zap.String("function", req.FunctionName),
		zap.Stringer("risk", req.RiskLevel))

	return &domain.Submission{
		ActionID:  req.ActionID,
		Status:    "submitted",
		Workflow:  req.WorkflowType,
		TimeoutAt: timeoutAt,
	}, nil
}

// Approve переводит pending -> approved. Просроченная запись переходит в expired,
// и это возвращается как статус решения, а не как ошибка.
func (s *Store) Approve(ctx context.Context, actionID, operator, notes string) (*domain.Decision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback()

	rec, err := s.getTx(ctx, tx, actionID)
	if err != nil {
		return nil, err
	}
	if err := rec.CanTransitionTo(domain.ApprovalApproved); err != nil {
		return nil, fmt.Errorf("%w: action %s is %s", err, actionID, rec.Status)
	}

	now := s.now()
	if rec.IsExpired(now) {
		if err := s.expireTx(ctx, tx, actionID, now); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("sqlstore: commit expire: %w", err)
		}
		s.logger.Warn("approval arrived after timeout", zap.String("action_id", actionID), zap.String("operator", operator))
		return &domain.Decision{ActionID: actionID, Status: domain.ApprovalExpired, Operator: operator, DecidedAt: now}, nil
	}

	// WHERE status = 'pending' защищает от двойного решения
	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE review_queue
		SET status = ?, approved_at = ?, approved_by = ?
		WHERE action_id = ? AND status = 'pending'`),
		string(domain.ApprovalApproved), toMillis(now), operator, actionID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: approve: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("sqlstore: rows affected: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: action %s already decided", domain.ErrNotPending, actionID)
	}

	details := map[string]any{}
	if notes != "" {
		details["notes"] = notes
	}
	if err := s.addHistory(ctx, tx, actionID, domain.EventApproved, operator, now, details); err != nil {
		return nil, err
	}
	if err := s.addActivity(ctx, tx, operator, "approve", actionID, now, details); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlstore: commit approve: %w", err)
	}

	s.logger.Info("action approved", zap.String("action_id", actionID), zap.String("operator", operator))
	return &domain.Decision{ActionID: actionID, Status: domain.ApprovalApproved, Operator: operator, DecidedAt: now, Notes: notes}, nil
}

// Reject переводит pending -> rejected. Исполнения не будет.
func (s *Store) Reject(ctx context.Context, actionID, operator, reason string) (*domain.Decision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback()

	rec, err := s.getTx(ctx, tx, actionID)
	if err != nil {
		return nil, err
	}
	if err := rec.CanTransitionTo(domain.ApprovalRejected); err != nil {
		return nil, fmt.Errorf("%w: action %s is %s", err, actionID, rec.Status)
	}

	now := s.now()
	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE review_queue
		SET status = ?, approved_by = ?, rejection_reason = ?
		WHERE action_id = ? AND status = 'pending'`),
		string(domain.ApprovalRejected), operator, reason, actionID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: reject: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("sqlstore: rows affected: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: action %s already decided", domain.ErrNotPending, actionID)
	}

	details := map[string]any{"reason": reason}
	if err := s.addHistory(ctx, tx, actionID, domain.EventRejected, operator, now, details); err != nil {
		return nil, err
	}
	if err := s.addActivity(ctx, tx, operator, "reject", actionID, now, details); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlstore: commit reject: %w", err)
	}

	s.logger.Info("action rejected", zap.String("action_id", actionID), zap.String("operator", operator), zap.String("reason", reason))
	return &domain.Decision{ActionID: actionID, Status: domain.ApprovalRejected, Operator: operator, DecidedAt: now, Reason: reason}, nil
}

// ClaimExecution атомарно переводит approved -> executing. true получает ровно один
// вызывающий, остальные должны пропустить исполнение.
func (s *Store) ClaimExecution(ctx context.Context, actionID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE review_queue SET status = ?
		WHERE action_id = ? AND status = 'approved'`),
		string(domain.ApprovalExecuting), actionID)
	if err != nil {
		return false, fmt.Errorf("sqlstore: claim execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlstore: rows affected: %w", err)
	}
	if n != 1 {
		return false, nil
	}
	if err := s.addHistory(ctx, tx, actionID, domain.EventExecutionStarted, SystemOperator, s.now(), nil); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("sqlstore: commit claim: %w", err)
	}
	return true, nil
}

// ReleaseExecution возвращает executing -> approved, если исполнение так и не началось
func (s *Store) ReleaseExecution(ctx context.Context, actionID string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE review_queue SET status = ?
		WHERE action_id = ? AND status = 'executing'`),
		string(domain.ApprovalApproved), actionID)
	if err != nil {
		return fmt.Errorf("sqlstore: release execution: %w", err)
	}
	if _, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("sqlstore: rows affected: %w", err)
	}
	return nil
}

// MarkExecuted — вторая фаза approved|executing -> executed. false, если запись в другом статусе.
func (s *Store) MarkExecuted(ctx context.Context, actionID string, result map[string]any) (bool, error) {
	payload, err := json.Marshal(nonNil(result))
	if err != nil {
		return false, fmt.Errorf("sqlstore: marshal result: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE review_queue
		SET status = ?, execution_result = ?
		WHERE action_id = ? AND status IN ('approved', 'executing')`),
		string(domain.ApprovalExecuted), string(payload), actionID)
	if err != nil {
		return false, fmt.Errorf("sqlstore: mark executed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlstore: rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	if err := s.addHistory(ctx, tx, actionID, domain.EventExecuted, SystemOperator, s.now(), nil); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("sqlstore: commit mark executed: %w", err)
	}
	return true, nil
}

// CleanupExpired переводит просроченные pending в expired. Повторный вызов вернет 0.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, s.rebind(`SELECT action_id FROM review_queue
		WHERE status = 'pending' AND timeout_at < ?`), toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("sqlstore: select expired: %w", err)
	}
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("sqlstore: scan expired: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("sqlstore: rows iteration error: %w", err)
	}
	rows.Close()

	for _, id := range ids {
		if err := s.expireTx(ctx, tx, id, now); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlstore: commit cleanup: %w", err)
	}

	if len(ids) > 0 {
		s.logger.Info("expired pending actions", zap.Int("count", len(ids)))
	}
	return len(ids), nil
}

func (s *Store) expireTx(ctx context.Context, tx *sql.Tx, actionID string, now time.Time) error {
	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE review_queue SET status = ?
		WHERE action_id = ? AND status = 'pending'`), string(domain.ApprovalExpired), actionID)
	if err != nil {
		return fmt.Errorf("sqlstore: expire: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: rows affected: %w", err)
	}
	if n == 0 {
		return nil
	}
	return s.addHistory(ctx, tx, actionID, domain.EventExpired, SystemOperator, now, nil)
}

// Pending — очередь на ревью, новые сверху
func (s *Store) Pending(ctx context.Context) ([]*domain.ApprovalRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+recordColumns+` FROM review_queue
		WHERE status = 'pending' ORDER BY created_at DESC, action_id DESC`))
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query pending: %w", err)
	}
	defer rows.Close()

	// Пустой слайс, чтобы в JSON был [] вместо null
	out := make([]*domain.ApprovalRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: rows iteration error: %w", err)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, actionID string) (*domain.ApprovalRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+recordColumns+` FROM review_queue WHERE action_id = ?`), actionID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: action %s", domain.ErrNotFound, actionID)
	}
	return rec, err
}

func (s *Store) getTx(ctx context.Context, tx *sql.Tx, actionID string) (*domain.ApprovalRecord, error) {
	row := tx.QueryRowContext(ctx, s.rebind(`SELECT `+recordColumns+` FROM review_queue WHERE action_id = ?`), actionID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: action %s", domain.ErrNotFound, actionID)
	}
	return rec, err
}

// Details — запись вместе с полной историей
func (s *Store) Details(ctx context.Context, actionID string) (*domain.ActionDetails, error) {
	rec, err := s.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT action_id, event_type, operator, timestamp, details
		FROM approval_history WHERE action_id = ? ORDER BY timestamp ASC, id ASC`), actionID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query history: %w", err)
	}
	defer rows.Close()

	history := make([]domain.HistoryEntry, 0)
	for rows.Next() {
		var (
			h       domain.HistoryEntry
			ts      int64
			details sql.NullString
		)
		if err := rows.Scan(&h.ActionID, &h.EventType, &h.Operator, &ts, &details); err != nil {
			return nil, fmt.Errorf("sqlstore: scan history: %w", err)
		}
		h.Timestamp = fromMillis(ts)
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &h.Details); err != nil {
				return nil, fmt.Errorf("sqlstore: decode history details: %w", err)
			}
		}
		history = append(history, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: rows iteration error: %w", err)
	}

	return &domain.ActionDetails{ApprovalRecord: *rec, History: history}, nil
}

// CountByStatus — для gauge очереди и статуса системы
func (s *Store) CountByStatus(ctx context.Context) (map[domain.ApprovalStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM review_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.ApprovalStatus]int)
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("sqlstore: scan count: %w", err)
		}
		out[domain.ApprovalStatus(st)] = n
	}
	return out, rows.Err()
}

func (s *Store) addHistory(ctx context.Context, tx *sql.Tx, actionID, event, operator string, at time.Time, details map[string]any) error {
	var payload any
	if len(details) > 0 {
		b, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("sqlstore: marshal history details: %w", err)
		}
		payload = string(b)
	}
	_, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO approval_history (action_id, event_type, operator, timestamp, details)
		VALUES (?, ?, ?, ?, ?)`), actionID, event, operator, toMillis(at), payload)
	if err != nil {
		return fmt.Errorf("sqlstore: insert history: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*domain.ApprovalRecord, error) {
	var (
		rec                         domain.ApprovalRecord
		params, risk, wf, status    string
		createdAt, timeoutAt        int64
		approvedAt                  sql.NullInt64
		approvedBy, reason, execRes sql.NullString
	)
	err := row.Scan(&rec.ActionID, &rec.AgentName, &rec.FunctionName, &params, &risk, &wf, &status,
		&createdAt, &timeoutAt, &approvedAt, &approvedBy, &reason, &execRes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("sqlstore: scan review: %w", err)
	}

	if err := json.Unmarshal([]byte(params), &rec.Parameters); err != nil {
		return nil, fmt.Errorf("sqlstore: decode parameters: %w", err)
	}
	if rec.RiskLevel, err = domain.ParseRiskLevel(risk); err != nil {
		return nil, fmt.Errorf("sqlstore: %w", err)
	}
	rec.WorkflowType = domain.WorkflowType(wf)
	rec.Status = domain.ApprovalStatus(status)
	rec.CreatedAt = fromMillis(createdAt)
	rec.TimeoutAt = fromMillis(timeoutAt)

	// Маппим NULL значения в указатели
	if approvedAt.Valid {
		t := fromMillis(approvedAt.Int64)
		rec.ApprovedAt = &t
	}
	if approvedBy.Valid {
		v := approvedBy.String
		rec.ApprovedBy = &v
	}
	if reason.Valid {
		v := reason.String
		rec.RejectionReason = &v
	}
	if execRes.Valid && execRes.String != "" {
		if err := json.Unmarshal([]byte(execRes.String), &rec.ExecutionResult); err != nil {
			return nil, fmt.Errorf("sqlstore: decode execution result: %w", err)
		}
	}
	return &rec, nil
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
