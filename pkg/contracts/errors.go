package contracts

import (
	"errors"
	"fmt"
)

// ErrRunNotFound is returned when a run ID is unknown.
var ErrRunNotFound = errors.New("run not found")

// ErrRunTerminal is returned when a control targets a converged or halted run.
var ErrRunTerminal = errors.New("run is in a terminal state")

// ValidationError marks a malformed proposal or control message. It is
// rejected before any ledger write and is not retried automatically.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "validation: " + e.Msg }

// Validationf builds a ValidationError.
func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// InvariantViolation marks a structural or unoverridden acceptance truth
// failure. The run transitions to halted; the truth ID and reason are always
// carried so the halt is explainable.
type InvariantViolation struct {
	TruthID string
	Reason  string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant %s violated: %s", e.TruthID, e.Reason)
}

// BudgetExceededError marks an exhausted cycle, fact, latency, or cost cap.
type BudgetExceededError struct {
	Limit  string
	Detail string
}

func (e *BudgetExceededError) Error() string {
	if e.Detail == "" {
		return "budget exceeded: " + e.Limit
	}
	return fmt.Sprintf("budget exceeded: %s (%s)", e.Limit, e.Detail)
}

// SystemError marks an internal fault (storage failure, etc.). It is fatal
// for the run; the run is halted with an opaque reason.
type SystemError struct {
	Op  string
	Err error
}

func (e *SystemError) Error() string { return fmt.Sprintf("system: %s: %v", e.Op, e.Err) }

func (e *SystemError) Unwrap() error { return e.Err }
