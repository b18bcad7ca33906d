// repository/repository.go
package repository

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/untibullet/pr-router/internal/models"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("resource already exists")
	ErrInvalidInput      = errors.New("invalid input")
	ErrDuplicatePriority = errors.New("rule priority already used in organization")
	ErrStatusConflict    = errors.New("assignment is not in an active status")
	ErrStoreUnavailable  = errors.New("store unavailable")
)

// Коды ошибок PostgreSQL
const (
	uniqueViolation     = "23505"
	rulePriorityKeyName = "routing_rules_org_priority_key"
)

type Repository struct {
	pool     *pgxpool.Pool
	defaults models.EscalationThresholds
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, defaults: models.DefaultThresholds()}
}

// SetDefaultThresholds задает пороги для организаций без собственных настроек
func (r *Repository) SetDefaultThresholds(th models.EscalationThresholds) {
	r.defaults = th
}

type txKey struct{}

// executor общий интерфейс пула и транзакции
type executor interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Query(context.Context, string, ...any) (pgx.Rows, error)
}

// WithTx выполняет fn в транзакции. Вложенные вызовы переиспользуют внешнюю транзакцию.
func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return wrap("failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return wrap("failed to commit transaction", err)
	}
	return nil
}

// executor возвращает транзакцию из контекста или пул
func (r *Repository) executor(ctx context.Context) executor {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return r.pool
}

// Ping проверяет доступность базы
func (r *Repository) Ping(ctx context.Context) error {
	return wrap("failed to ping database", r.pool.Ping(ctx))
}

// wrap оборачивает ошибку драйвера, помечая сетевые сбои и таймауты как ErrStoreUnavailable
func wrap(msg string, err error) error {
	if err == nil {
		return nil
	}
	if IsUnavailable(err) {
		return fmt.Errorf("%s: %w: %w", msg, ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// IsUnavailable сообщает, что ошибка вызвана недоступностью базы, а не данными
func IsUnavailable(err error) bool {
	if errors.Is(err, ErrStoreUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if pgconn.Timeout(err) {
		return true
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 08 connection exception, 57P0x shutdown, 53300 too many connections
		return strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "57P01" || pgErr.Code == "57P02" ||
			pgErr.Code == "57P03" || pgErr.Code == "53300"
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

func isUniqueViolation(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return pgErr, true
	}
	return nil, false
}
