package executor

import (
	"errors"
	"fmt"

	"signal-bridge/pkg/broker"
	"signal-bridge/pkg/market"
)

// Outcome categories persisted with every refusal or failure.
const (
	CategoryDuplicate  = "DuplicateSignal"
	CategoryPolicy     = "PolicyRejection"
	CategoryValidation = "ValidationRejection"
	CategoryTerminal   = "TerminalExecutionFailure"
)

// ErrDuplicateSignal is returned for signals already processed or currently
// in flight. A no-op outcome, not an error condition.
var ErrDuplicateSignal = errors.New("duplicate signal")

// RejectionError is a terminal refusal: policy or validation said no. Never
// retried, because the inputs themselves are wrong for this account.
type RejectionError struct {
	Category string
	Reason   string
}

func (e *RejectionError) Error() string {
	return e.Category + ": " + e.Reason
}

func policyRejection(format string, args ...any) error {
	return &RejectionError{Category: CategoryPolicy, Reason: fmt.Sprintf(format, args...)}
}

func validationRejection(format string, args ...any) error {
	return &RejectionError{Category: CategoryValidation, Reason: fmt.Sprintf(format, args...)}
}

// TerminalError wraps the last cause after the attempt cap is exhausted. The
// pending marker is released and no idempotency record is written, so a
// later genuinely distinct retry is not blocked.
type TerminalError struct {
	Attempts int
	Last     error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("execution failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *TerminalError) Unwrap() error { return e.Last }

// IsRejection reports whether err is a terminal policy/validation refusal.
func IsRejection(err error) bool {
	var r *RejectionError
	return errors.As(err, &r)
}

// IsTerminal reports whether err is an exhausted-retries failure.
func IsTerminal(err error) bool {
	var t *TerminalError
	return errors.As(err, &t)
}

// IsTransientCause reports whether err is worth another attempt: stale or
// missing quotes, network errors, broker 5xx, token expiry.
func IsTransientCause(err error) bool {
	return errors.Is(err, broker.ErrTransient) ||
		errors.Is(err, market.ErrStaleQuote) ||
		errors.Is(err, market.ErrQuoteTimeout) ||
		errors.Is(err, market.ErrConnectionClosed)
}
