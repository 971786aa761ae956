// -----------------------------------------------------------------------
// Error taxonomy - stable categories fed into the retry decision
// -----------------------------------------------------------------------

package models

import (
	"errors"
	"fmt"
)

// ErrorCategory is the stable tag carried on caller-visible failures
type ErrorCategory string

const (
	ErrValidation        ErrorCategory = "validation"
	ErrAuthorization     ErrorCategory = "authorization"
	ErrHandlerNotFound   ErrorCategory = "handler_not_found"
	ErrHandlerTransient  ErrorCategory = "handler_transient"
	ErrCrewExecution     ErrorCategory = "crew_execution"
	ErrRemoteUnavailable ErrorCategory = "remote_crew_unavailable"
	ErrStoreUnavailable  ErrorCategory = "store_unavailable"
	ErrDeadlineExceeded  ErrorCategory = "deadline_exceeded"
	ErrInvalidTransition ErrorCategory = "invalid_state_transition"
	ErrDuplicate         ErrorCategory = "duplicate"
	ErrNotFound          ErrorCategory = "not_found"
)

// CrewError carries a category tag plus a free-text message. Internal stack
// traces never cross the API boundary; only the category and message do.
type CrewError struct {
	Category ErrorCategory
	Message  string
	Cause    error
}

func (e *CrewError) Error() string {
	if e.Message == "" && e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Category, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *CrewError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the engine's retry policy applies to this
// category. CrewExecution and DeadlineExceeded are handler-final by default.
func (e *CrewError) Retryable() bool {
	switch e.Category {
	case ErrStoreUnavailable, ErrHandlerTransient, ErrRemoteUnavailable:
		return true
	}
	return false
}

// NewCrewError builds a categorized error
func NewCrewError(category ErrorCategory, message string) *CrewError {
	return &CrewError{Category: category, Message: message}
}

// WrapCrewError wraps an underlying cause with a category
func WrapCrewError(category ErrorCategory, message string, cause error) *CrewError {
	return &CrewError{Category: category, Message: message, Cause: cause}
}

// Categorize maps an arbitrary error to its category, treating anything
// uncategorized as a final crew execution failure.
func Categorize(err error) ErrorCategory {
	var ce *CrewError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return ErrCrewExecution
}

// IsRetryable applies the retry policy to an arbitrary error
func IsRetryable(err error) bool {
	var ce *CrewError
	if errors.As(err, &ce) {
		return ce.Retryable()
	}
	return false
}
