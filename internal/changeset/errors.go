package changeset

import (
	"errors"
	"fmt"
)

// ErrCodeValidation identifies validation failures.
const ErrCodeValidation = "VALIDATION"

// Reason categorizes a validation failure.
type Reason string

const (
	ReasonRequired    Reason = "required"
	ReasonType        Reason = "type"
	ReasonCheck       Reason = "check"
	ReasonImmutablePK Reason = "immutable_pk"
)

// ValidationError reports a change-set field that fails a constraint before
// any I/O. Fixing the entity and flushing again is always possible.
type ValidationError struct {
	Code    string
	Entity  string
	Field   string
	Reason  Reason
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s.%s: %s (%s)", e.Code, e.Entity, e.Field, e.Message, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s (%s)", e.Code, e.Entity, e.Message, e.Reason)
}

func newValidationError(entityType, field string, reason Reason, format string, args ...any) *ValidationError {
	return &ValidationError{
		Code:    ErrCodeValidation,
		Entity:  entityType,
		Field:   field,
		Reason:  reason,
		Message: fmt.Sprintf(format, args...),
	}
}

// IsValidationError reports whether err wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
