package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.

var (
	// Lookup errors
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("not allowed for this account")

	// Input errors
	ErrInvalidInput      = errors.New("invalid input")
	ErrBadAmount         = errors.New("amount must be a positive whole number of sats")
	ErrInvalidTransition = errors.New("task is not in a state that allows this action")
	ErrTaskLocked        = errors.New("complete more family tasks before accepting paid tasks")

	// Configuration errors
	ErrNoBackend         = errors.New("no payment backend configured")
	ErrInvalidDescriptor = errors.New("invalid relay connection descriptor")
	ErrInvalidConfig     = errors.New("invalid wallet configuration")

	// Funds and limits
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrLimitExceeded     = errors.New("limit exceeded")

	// Idempotency
	ErrConflict = errors.New("conflict: already processed")

	// Credentials
	ErrCredentialsUnusable = errors.New("stored wallet credentials are unusable, please set up the wallet again")

	// Payment network
	ErrPaymentTimeout = errors.New("payment backend timed out")
)

// PaymentPendingRetry is what callers see when an outbound payment failed.
// The backend's own message goes to the logs and the failed-payment entry.
const PaymentPendingRetry = "payment pending retry"

// PaymentBackendUnavailable replaces backend detail in API error responses.
const PaymentBackendUnavailable = "payment backend unavailable"

// PaymentBackendError wraps any network or protocol failure reported by a
// payment backend. Raw transport errors never escape a backend unwrapped.
type PaymentBackendError struct {
	Backend BackendKind
	Op      string
	Cause   string
	Err     error
}

// Error implements error.
func (e *PaymentBackendError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Backend, e.Op, e.Cause)
}

// Unwrap exposes the underlying error (e.g. context.DeadlineExceeded).
func (e *PaymentBackendError) Unwrap() error { return e.Err }

// NewBackendError builds a PaymentBackendError from an arbitrary cause.
func NewBackendError(kind BackendKind, op string, err error) *PaymentBackendError {
	return &PaymentBackendError{Backend: kind, Op: op, Cause: err.Error(), Err: err}
}

// IsBackendError reports whether err is (or wraps) a PaymentBackendError.
func IsBackendError(err error) bool {
	var be *PaymentBackendError
	return errors.As(err, &be)
}
