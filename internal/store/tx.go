package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	pgDeadlockDetected     = "40P01"
	pgSerializationFailure = "40001"
	pgUniqueViolation      = "23505"
)

type txKey struct{}

// PostgresTxManager implements TxManager on a pgx pool.
//
// Every call opens a fresh transaction, even when ctx already carries one. The
// failure recorder relies on this to write outside a rolled-back settlement.
type PostgresTxManager struct {
	pool        *pgxpool.Pool
	maxAttempts int
	logger      *zap.Logger
}

func NewPostgresTxManager(pool *pgxpool.Pool, logger *zap.Logger) *PostgresTxManager {
	return &PostgresTxManager{pool: pool, maxAttempts: 3, logger: logger.Named("tx")}
}

// WithTransaction commits when fn returns nil and rolls back otherwise. Deadlocks
// and serialization failures are retried with a new transaction.
func (m *PostgresTxManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		err = m.runOnce(ctx, fn)
		if err == nil || !isRetryableTxError(err) {
			return err
		}
		m.logger.Warn("retrying transaction after conflict", zap.Int("attempt", attempt), zap.Error(err))
	}
	return err
}

func (m *PostgresTxManager) runOnce(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			m.logger.Error("failed to rollback transaction", zap.Error(rbErr))
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func getTx(ctx context.Context) pgx.Tx {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return nil
}

func isRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgDeadlockDetected || pgErr.Code == pgSerializationFailure
	}
	return false
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
