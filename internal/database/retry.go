package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatrelay/internal/constants"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	dbRetryAttempts       = constants.DefaultDatabaseRetryAttempts
	dbRetryInitialBackoff = time.Duration(constants.DefaultBackoffInitialMs) * time.Millisecond
	dbRetryMaxBackoff     = time.Duration(constants.DefaultBackoffMaxMs) * time.Millisecond
)

// retryableDBOperation executes a database operation returning a value with retry logic
func retryableDBOperation[T any](ctx context.Context, operation func() (T, error), operationName string) (T, error) {
	var result T
	err := retryableDBOperationNoReturn(ctx, func() error {
		var opErr error
		result, opErr = operation()
		return opErr
	}, operationName)
	return result, err
}

// retryableDBOperationNoReturn executes a database operation that returns only an error with retry logic
func retryableDBOperationNoReturn(ctx context.Context, operation func() error, operationName string) error {
	var lastErr error

	for attempt := 1; attempt <= dbRetryAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := operation()
		if err == nil {
			return nil
		}

		lastErr = err

		if !isRetryableDBError(err) {
			return fmt.Errorf("%s failed (non-retryable): %w", operationName, err)
		}

		if attempt == dbRetryAttempts {
			break
		}

		backoff := time.Duration(attempt) * dbRetryInitialBackoff
		if backoff > dbRetryMaxBackoff {
			backoff = dbRetryMaxBackoff
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, dbRetryAttempts, lastErr)
}

// isRetryableDBError determines if a database error is worth retrying
func isRetryableDBError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "57P03": // serialization_failure, deadlock_detected, cannot_connect_now
			return true
		}
		return false
	}

	errStr := err.Error()

	switch {
	case strings.Contains(errStr, "database is locked"),
		strings.Contains(errStr, "database table is locked"),
		strings.Contains(errStr, "database is busy"),
		strings.Contains(errStr, "disk I/O error"):
		return true
	case strings.Contains(errStr, "no such host"), strings.Contains(errStr, "connection refused"):
		return true
	}

	// Constraint and schema errors, and anything unknown, are not retried.
	return false
}
