package executor

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidStageInput is returned when the accumulated payload does
// not satisfy the stage's input schema. Never retried.
var ErrInvalidStageInput = errors.New("invalid stage input")

// ErrInvalidStageOutput is returned when a provider's output does not
// satisfy the stage's output schema. Treated as permanent: retrying a
// malformed provider response is unlikely to help.
var ErrInvalidStageOutput = errors.New("invalid stage output")

// ProviderError wraps a provider failure with a retry classification.
type ProviderError struct {
	Err         error
	IsTransient bool
}

func (e *ProviderError) Error() string {
	if e.IsTransient {
		return fmt.Sprintf("transient provider error: %v", e.Err)
	}
	return fmt.Sprintf("permanent provider error: %v", e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Transient wraps an error as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Err: err, IsTransient: true}
}

// Permanent wraps an error as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Err: err, IsTransient: false}
}

// Transientf wraps a formatted error as retryable.
func Transientf(format string, args ...any) error {
	return &ProviderError{Err: fmt.Errorf(format, args...), IsTransient: true}
}

// Permanentf wraps a formatted error as non-retryable.
func Permanentf(format string, args ...any) error {
	return &ProviderError{Err: fmt.Errorf(format, args...), IsTransient: false}
}

// isRetryable classifies an execution error. Timeouts count as
// transient; explicit cancellation and schema failures do not.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.IsTransient
	}
	return false
}
