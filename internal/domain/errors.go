package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a tenant-scoped lookup has no match.
	ErrNotFound = errors.New("not found")
	// ErrPresenceExists guards the insert-only synthesis of presence records.
	ErrPresenceExists = errors.New("presence record already exists")
	// ErrTerminalState is returned when a state transition starts from a final status.
	ErrTerminalState = errors.New("entity is in a terminal state")
	// ErrFeatureDisabled is returned when the tenant policy switches an operation off.
	ErrFeatureDisabled = errors.New("feature disabled by policy")
	// ErrNotAutoFixable is returned when auto-fix is requested for an issue that does not allow it.
	ErrNotAutoFixable = errors.New("issue is not auto-fixable")
	// ErrManualReviewRequired is returned when no automated fixer exists for an issue type.
	ErrManualReviewRequired = errors.New("manual review required")
	// ErrLockNotObtained is returned when the per-tenant lock is held elsewhere.
	ErrLockNotObtained = errors.New("tenant lock not obtained")
)

// ValidationError reports bad caller input. No state is created when it is returned.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError builds a ValidationError.
func NewValidationError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// FeatureDisabled reports that the tenant policy switched feature off.
func FeatureDisabled(feature string) error {
	return &ValidationError{Field: "policy", Message: feature + " is disabled for this tenant", Err: ErrFeatureDisabled}
}

// RecordError is a failure scoped to one presence record. Batches continue after it.
type RecordError struct {
	RecordID string
	Code     string
	Err      error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %s: %s: %v", e.RecordID, e.Code, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// SystemError aborts the whole job or check it occurs in.
type SystemError struct {
	Op   string
	Code string
	Err  error
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SystemError) Unwrap() error { return e.Err }

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
