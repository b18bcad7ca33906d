// Package sqlite реализует стор маршрутизации поверх SQLite для запуска
// одним бинарником без PostgreSQL.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
	"github.com/untibullet/pr-router/internal/models"
	"github.com/untibullet/pr-router/internal/repository"
)

// Schema схема базы, совпадает по смыслу с migrations/ для PostgreSQL
const Schema = `
CREATE TABLE IF NOT EXISTS organizations (
	id TEXT PRIMARY KEY,
	timezone TEXT NOT NULL DEFAULT 'UTC',
	fallback TEXT NOT NULL DEFAULT '{"mode":"none"}',
	reminder_threshold_seconds INTEGER,
	escalation_threshold_seconds INTEGER,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS reviewers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	organization_id TEXT NOT NULL REFERENCES organizations (id) ON DELETE CASCADE,
	external_id TEXT NOT NULL,
	username TEXT NOT NULL,
	email TEXT NOT NULL DEFAULT '',
	slack_id TEXT NOT NULL DEFAULT '',
	is_active BOOLEAN NOT NULL DEFAULT 1,
	is_lead BOOLEAN NOT NULL DEFAULT 0,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (organization_id, external_id)
);

CREATE TABLE IF NOT EXISTS routing_rules (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL REFERENCES organizations (id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	conditions TEXT NOT NULL DEFAULT '[]',
	targets TEXT NOT NULL DEFAULT '[]',
	strategy TEXT NOT NULL,
	reviewer_count INTEGER NOT NULL DEFAULT 1,
	priority INTEGER NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS routing_rules_org_priority_key ON routing_rules (organization_id, priority);

CREATE TABLE IF NOT EXISTS review_assignments (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	pull_request_id TEXT NOT NULL,
	reviewer_id TEXT NOT NULL,
	rule_id TEXT,
	status TEXT NOT NULL,
	notified_status TEXT,
	assigned_at DATETIME NOT NULL,
	reviewed_at DATETIME,
	last_escalated_at DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS review_assignments_active_key
	ON review_assignments (pull_request_id, reviewer_id)
	WHERE status IN ('pending', 'reminded', 'escalated');

CREATE INDEX IF NOT EXISTS review_assignments_status_idx ON review_assignments (status);

CREATE TABLE IF NOT EXISTS rotation_cursors (
	cursor_key TEXT PRIMARY KEY,
	position INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS routing_failures (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	pull_request_id TEXT NOT NULL,
	rule_id TEXT,
	reason TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
`

// Store SQLite-реализация всех контрактов стора
type Store struct {
	db       *sql.DB
	defaults models.EscalationThresholds
}

// Open открывает базу по пути path (":memory:" для памяти) и применяет схему.
// Транзакции берут блокировку на запись сразу, поэтому соединение одно.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_txlock=immediate&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return New(db), nil
}

// New оборачивает уже открытую базу со схемой
func New(db *sql.DB) *Store {
	return &Store{db: db, defaults: models.DefaultThresholds()}
}

// SetDefaultThresholds задает пороги для организаций без собственных настроек
func (s *Store) SetDefaultThresholds(th models.EscalationThresholds) {
	s.defaults = th
}

// Close закрывает базу
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping проверяет доступность базы
func (s *Store) Ping(ctx context.Context) error {
	return wrap("failed to ping database", s.db.PingContext(ctx))
}

type txKey struct{}

type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx выполняет fn в транзакции, вложенные вызовы переиспользуют внешнюю
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}

	return wrap("failed to commit transaction", tx.Commit())
}

func (s *Store) executor(ctx context.Context) executor {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

func wrap(msg string, err error) error {
	if err == nil {
		return nil
	}
	if isUnavailable(err) {
		return fmt.Errorf("%s: %w: %w", msg, repository.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func isUnavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked ||
			sqliteErr.Code == sqlite3.ErrCantOpen || sqliteErr.Code == sqlite3.ErrIoErr
	}
	return false
}

// uniqueViolation возвращает текст ошибки уникальности, если это она
func uniqueViolation(err error) (string, bool) {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return sqliteErr.Error(), true
	}
	return "", false
}

func ruleWriteError(msg string, err error) error {
	if text, ok := uniqueViolation(err); ok {
		if strings.Contains(text, "routing_rules.priority") {
			return repository.ErrDuplicatePriority
		}
		return repository.ErrAlreadyExists
	}
	return wrap(msg, err)
}
