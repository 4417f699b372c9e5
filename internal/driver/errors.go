package driver

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Finder.FindOne when no row matches.
var ErrNotFound = errors.New("row not found")

// ErrCodeConstraintViolation identifies constraint violations.
const ErrCodeConstraintViolation = "CONSTRAINT_VIOLATION"

// ConstraintKind categorizes a constraint violation.
type ConstraintKind string

const (
	ConstraintUnique     ConstraintKind = "unique"
	ConstraintForeignKey ConstraintKind = "foreign_key"
	ConstraintNotNull    ConstraintKind = "not_null"
	ConstraintCheck      ConstraintKind = "check"
	ConstraintOther      ConstraintKind = "other"
)

// ConstraintViolationError wraps a driver error reporting a violated
// database constraint. The driver error is kept verbatim and is reachable
// with errors.As.
type ConstraintViolationError struct {
	Code   string
	Kind   ConstraintKind
	Entity string
	Err    error
}

// NewConstraintViolation wraps err.
func NewConstraintViolation(kind ConstraintKind, entityType string, err error) *ConstraintViolationError {
	return &ConstraintViolationError{
		Code:   ErrCodeConstraintViolation,
		Kind:   kind,
		Entity: entityType,
		Err:    err,
	}
}

// Error implements the error interface.
func (e *ConstraintViolationError) Error() string {
	if e.Entity != "" {
		return fmt.Sprintf("%s: %s constraint on %s: %v", e.Code, e.Kind, e.Entity, e.Err)
	}
	return fmt.Sprintf("%s: %s constraint: %v", e.Code, e.Kind, e.Err)
}

// Unwrap returns the driver error.
func (e *ConstraintViolationError) Unwrap() error {
	return e.Err
}

// IsConstraintViolation reports whether err wraps a ConstraintViolationError.
func IsConstraintViolation(err error) bool {
	var ce *ConstraintViolationError
	return errors.As(err, &ce)
}

// IsForeignKeyViolation reports whether err is a foreign-key violation.
func IsForeignKeyViolation(err error) bool {
	var ce *ConstraintViolationError
	return errors.As(err, &ce) && ce.Kind == ConstraintForeignKey
}

// IsUniqueViolation reports whether err is a unique violation.
func IsUniqueViolation(err error) bool {
	var ce *ConstraintViolationError
	return errors.As(err, &ce) && ce.Kind == ConstraintUnique
}
