package engine

import (
	"errors"
	"fmt"
)

var ErrValidation = errors.New("validation failed")

// ErrExecutionRunning is returned when an execution for the same idempotency
// key is still in flight.
var ErrExecutionRunning = errors.New("execution already running")

type InvalidTransitionError struct {
	From string
	To   string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// DuplicateError reports a suppressed duplicate, carrying the id of the
// record that already covers it.
type DuplicateError struct {
	Kind       string
	ExistingID string
}

func (e DuplicateError) Error() string {
	return fmt.Sprintf("duplicate %s suppressed, existing %s", e.Kind, e.ExistingID)
}

// ExecutionError wraps an adapter failure. The proposal stays approved so the
// execution can be retried.
type ExecutionError struct {
	ExecutionID string
	Err         error
}

func (e ExecutionError) Error() string {
	return fmt.Sprintf("execution %s failed: %v", e.ExecutionID, e.Err)
}

func (e ExecutionError) Unwrap() error { return e.Err }

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
