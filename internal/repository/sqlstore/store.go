package sqlstore

/*
Хранилище согласований (review_queue + approval_history + operator_activity)
и необязательное зеркало журнала аудита (audit_events).
Источник правды о статусе согласования: кэши в памяти сверяются с ним.
*/

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Поддерживаемые драйверы
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// SystemOperator пишется в историю для событий без оператора
const SystemOperator = "system"

type Store struct {
	db       *sql.DB
	dialect  string
	maxConns int
	now      func() time.Time
	logger   *zap.Logger
}

type Option func(*Store)

// WithClock подменяет часы (тесты истечения дедлайна)
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMaxConns ограничивает пул соединений Postgres (для SQLite всегда 1)
func WithMaxConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxConns = n
		}
	}
}

// Open открывает БД, дожидается ее доступности и применяет схему.
func Open(ctx context.Context, driver, dsn string, logger *zap.Logger, opts ...Option) (*Store, error) {
	s := &Store{
		maxConns: 25,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}

	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite, "":
		driver = DriverSQLite
		if dsn == "" {
			return nil, fmt.Errorf("sqlstore: empty sqlite path")
		}
		if dir := filepath.Dir(dsn); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlstore: create db directory: %w", err)
			}
		}
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: open sqlite: %w", err)
		}
		// Один писатель: SQLite сериализует запись, так мы избегаем SQLITE_BUSY
		db.SetMaxOpenConns(1)
	case DriverPostgres:
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: open postgres: %w", err)
		}
		db.SetMaxOpenConns(s.maxConns)
		db.SetMaxIdleConns(s.maxConns)
		db.SetConnMaxLifetime(5 * time.Minute)
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}

	s.db = db
	s.dialect = driver
	s.logger = logger.With(zap.String("mod", "sqlstore"), zap.String("driver", driver))

	// Postgres в контейнере может подниматься дольше нас
	err = retry.New(
		retry.Context(ctx),
		retry.Attempts(5),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			s.logger.Warn("database not ready, retrying", zap.Uint("attempt", n), zap.Error(err))
			return retry.BackOffDelay(n, err, config)
		}),
	).Do(func() error {
		return db.PingContext(ctx)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: database unreachable: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == DriverPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}

	stmts := []string{}
	if s.dialect == DriverSQLite {
		stmts = append(stmts,
			"PRAGMA journal_mode=WAL",
			"PRAGMA foreign_keys=ON",
			"PRAGMA busy_timeout=5000",
		)
	}
	stmts = append(stmts,
		`CREATE TABLE IF NOT EXISTS review_queue (
			action_id        TEXT PRIMARY KEY,
			agent_name       TEXT NOT NULL,
			function_name    TEXT NOT NULL,
			parameters       TEXT NOT NULL,
			risk_level       TEXT NOT NULL,
			workflow_type    TEXT NOT NULL,
			status           TEXT NOT NULL,
			created_at       BIGINT NOT NULL,
			timeout_at       BIGINT NOT NULL,
			approved_at      BIGINT,
			approved_by      TEXT,
			rejection_reason TEXT,
			execution_result TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_review_queue_status ON review_queue (status, created_at)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS approval_history (
			id         %s,
			action_id  TEXT NOT NULL REFERENCES review_queue (action_id),
			event_type TEXT NOT NULL,
			operator   TEXT NOT NULL,
			timestamp  BIGINT NOT NULL,
			details    TEXT
		)`, serial),
		`CREATE INDEX IF NOT EXISTS idx_approval_history_action ON approval_history (action_id)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS operator_activity (
			id        %s,
			operator  TEXT NOT NULL,
			action    TEXT NOT NULL,
			action_id TEXT,
			timestamp BIGINT NOT NULL,
			metadata  TEXT
		)`, serial),
		`CREATE INDEX IF NOT EXISTS idx_operator_activity_operator ON operator_activity (operator)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS audit_events (
			id              %s,
			timestamp       BIGINT NOT NULL,
			action_id       TEXT NOT NULL,
			agent_name      TEXT NOT NULL,
			function_name   TEXT NOT NULL,
			event           TEXT NOT NULL,
			risk_level      TEXT NOT NULL,
			approval_status TEXT NOT NULL,
			metadata        TEXT
		)`, serial),
		`CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events (action_id)`,
	)

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlstore: migrate: %w", err)
		}
	}
	return nil
}

// rebind переводит плейсхолдеры ? в $n для Postgres
func (s *Store) rebind(query string) string {
	if s.dialect != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
