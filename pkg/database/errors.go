package database

import (
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/finflow/finflow-backend/pkg/errors"
)

// Transient-failure retry tuning
const (
	retryBaseInterval = 50 * time.Millisecond
	maxTxAttempts     = 3
)

// PostgreSQL error codes the executor cares about
const (
	pqDeadlockDetected     = "40P01"
	pqSerializationFailure = "40001"
	pqUniqueViolation      = "23505"
	pqForeignKeyViolation  = "23503"
	pqNotNullViolation     = "23502"
	pqCheckViolation       = "23514"
)

// IsRetryable reports whether err is a transient engine failure worth
// re-running the transaction for. Unique violations are deliberately not
// retryable: re-running an insert that conflicted will conflict again.
func IsRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return errors.Is(err, errors.ErrRetryable)
	}
	return pqErr.Code == pqDeadlockDetected || pqErr.Code == pqSerializationFailure
}

// IsUniqueViolation reports whether err is a unique constraint violation
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == pqUniqueViolation
}

// MapPQError converts a PostgreSQL error to an AppError with meaningful
// messages. Returns nil if the error is not a pq.Error or carries no mapping;
// retryable codes are left untouched so the retry wrapper can see them.
func MapPQError(err error) *errors.AppError {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return nil
	}

	switch pqErr.Code {
	case pqUniqueViolation:
		return errors.Conflict(formatConstraintMessage(pqErr))

	case pqForeignKeyViolation:
		return errors.BadRequest("referenced record does not exist")

	case pqNotNullViolation:
		col := pqErr.Column
		if col == "" {
			col = "required field"
		}
		return errors.Validation(map[string]string{
			col: "must not be empty",
		})

	case pqCheckViolation:
		return errors.BadRequest("data validation failed: " + pqErr.Constraint)

	default:
		return nil
	}
}

// formatConstraintMessage creates a user-friendly message for unique constraint violations
func formatConstraintMessage(pqErr *pq.Error) string {
	constraint := pqErr.Constraint

	switch {
	case strings.Contains(constraint, "external_id"):
		return "an invoice with this external id already exists"
	case strings.Contains(constraint, "email"):
		return "a user with this email already exists"
	case strings.Contains(constraint, "slug"):
		return "an organization with this name already exists"
	case strings.Contains(constraint, "schema_name"):
		return "an organization with this schema already exists"
	default:
		return "a record with these values already exists"
	}
}
