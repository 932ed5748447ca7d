// internal/services/errors.go
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed input. Nothing is persisted.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidInput is returned by the commission calculator when a
	// precondition does not hold. It wraps ErrValidation.
	ErrInvalidInput = fmt.Errorf("%w: invalid input", ErrValidation)

	ErrProductNotFound = fmt.Errorf("%w: product not found", ErrValidation)
	ErrProductInactive = fmt.Errorf("%w: product is not active", ErrValidation)

	// ErrAttributionNotFound is a soft failure: the order proceeds without
	// commission.
	ErrAttributionNotFound = errors.New("attribution not found")

	// ErrConcurrencyConflict is returned once internal retries on the
	// per-affiliate append path are exhausted.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrInvalidTransition marks lifecycle misuse. It is never silently
	// ignored.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrReconciliationRequired is an invalid transition that needs manual
	// reconciliation, e.g. reversing a commission that was already paid out.
	ErrReconciliationRequired = fmt.Errorf("%w: reconciliation required", ErrInvalidTransition)

	// ErrStorageUnavailable is retryable; the operation was not committed.
	ErrStorageUnavailable = errors.New("storage unavailable")

	ErrInsufficientBalance  = errors.New("insufficient available balance")
	ErrBelowMinimumPayout   = fmt.Errorf("%w: amount is below the minimum payout", ErrValidation)
	ErrNotFound             = errors.New("not found")
	ErrForbidden            = errors.New("forbidden")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrStorageNotConfigured = errors.New("object storage is not configured")
)

func storageUnavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func validationErrorFor(sentinel error, message string) error {
	return fmt.Errorf("%w: %s", sentinel, message)
}
