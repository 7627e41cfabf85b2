package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// TxFn is a function that executes within a transaction
type TxFn func(*Tx) error

// Tx wraps sqlx.Tx to add additional functionality
type Tx struct {
	*sqlx.Tx
}

// WithTransaction executes the given function within a transaction
func (db *DB) WithTransaction(ctx context.Context, fn TxFn) error {
	sqlxTx, err := db.BeginTxx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
		ReadOnly:  false,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	tx := &Tx{Tx: sqlxTx}

	// Handle panic by rolling back
	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Interface("panic", p).
				Msg("Panic in transaction, rolling back")

			if rbErr := tx.Rollback(); rbErr != nil {
				log.Error().
					Err(rbErr).
					Msg("Failed to rollback after panic")
			}
			// Re-panic after rollback
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error().
				Err(rbErr).
				Msg("Failed to rollback transaction")
			return fmt.Errorf("failed to execute transaction (rollback failed): %w", err)
		}
		return fmt.Errorf("failed to execute transaction (rolled back): %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// WithSavepoint executes the given function within a savepoint in an existing
// transaction. A failure rolls back to the savepoint and leaves the outer
// transaction usable.
func (tx *Tx) WithSavepoint(ctx context.Context, name string, fn TxFn) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SAVEPOINT %s", name)); err != nil {
		return fmt.Errorf("failed to create savepoint: %w", err)
	}

	if err := fn(tx); err != nil {
		if _, rbErr := tx.ExecContext(ctx, fmt.Sprintf("ROLLBACK TO SAVEPOINT %s", name)); rbErr != nil {
			log.Error().
				Err(rbErr).
				Str("savepoint", name).
				Msg("Failed to rollback to savepoint")
			return fmt.Errorf("failed to execute savepoint (rollback failed): %w", err)
		}
		return fmt.Errorf("failed to execute savepoint (rolled back): %w", err)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("RELEASE SAVEPOINT %s", name)); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}

	return nil
}

// IsRetryableDBError reports whether an error is a transient conflict worth
// retrying: serialization failures and deadlocks between concurrent writers.
func IsRetryableDBError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
	}
	return false
}

// RetryableOperation executes an operation with retries on specific errors
func (db *DB) RetryableOperation(ctx context.Context, maxRetries int, isRetryable func(error) bool, op func() error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := op(); err != nil {
			if attempt == maxRetries || !isRetryable(err) {
				return fmt.Errorf("operation failed after %d attempts: %w", attempt+1, err)
			}
			lastErr = err
			log.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Int("maxRetries", maxRetries).
				Msg("Operation failed, retrying")
			continue
		}
		return nil
	}
	return lastErr
}
