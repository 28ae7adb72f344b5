package ledger

import (
	"errors"
	"fmt"
)

// Kind classifies a ledger failure for callers
type Kind int8

const (
	KindInternal Kind = iota
	KindInvalidInput
	KindNotFound
	KindInsufficientBalance
	// KindExchange means the venue did not fill and no balance changed
	KindExchange
	// KindReconciliationFailed means the venue filled but the balance was not updated
	KindReconciliationFailed
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindNotFound:
		return "not_found"
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindExchange:
		return "exchange_error"
	case KindReconciliationFailed:
		return "reconciliation_failed"
	default:
		return "internal"
	}
}

// Retryable reports whether resubmitting the same request is safe.
// Only a venue failure qualifies: nothing was filled and nothing was booked.
func (k Kind) Retryable() bool { return k == KindExchange }

// Error is returned by every Service operation
type Error struct {
	Op   string
	Kind Kind
	Err  error

	// Pending is set for KindReconciliationFailed
	Pending *Pending
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind of err; errors that did not come from the ledger are internal
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindInternal
}

// IsRetryable reports whether err came from a trade that is safe to resubmit
func IsRetryable(err error) bool {
	var le *Error
	return errors.As(err, &le) && le.Kind.Retryable()
}

// PendingOf returns the unreconciled fill carried by err, if any
func PendingOf(err error) (Pending, bool) {
	var le *Error
	if errors.As(err, &le) && le.Pending != nil {
		return *le.Pending, true
	}
	return Pending{}, false
}

func fail(op string, kind Kind, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

func invalid(op, format string, args ...any) error {
	return fail(op, KindInvalidInput, fmt.Errorf(format, args...))
}

// VenueError carries the gateway failure behind a KindExchange error
type VenueError struct {
	Code   string
	Detail string
}

func (e *VenueError) Error() string { return e.Code + ": " + e.Detail }
