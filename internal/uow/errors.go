package uow

import (
	"errors"
	"fmt"

	"github.com/roach88/uow/internal/changeset"
	"github.com/roach88/uow/internal/ir"
)

// ErrorCode categorizes unit-of-work errors.
type ErrorCode string

const (
	// ErrCodeUnknownEntity indicates an entity whose type has no metadata.
	ErrCodeUnknownEntity ErrorCode = "UNKNOWN_ENTITY"

	// ErrCodeOptimisticLock indicates a version precondition failed.
	ErrCodeOptimisticLock ErrorCode = "OPTIMISTIC_LOCK"

	// ErrCodeFlushFailed indicates a flush failed during I/O and was rolled back.
	ErrCodeFlushFailed ErrorCode = "FLUSH_FAILED"

	// ErrCodePartialFlush indicates an implicit-transaction flush failed after
	// some statements had already committed.
	ErrCodePartialFlush ErrorCode = "PARTIAL_FLUSH"
)

var (
	// ErrUnmanagedReference is returned when a relation points at a new
	// entity that is neither managed nor reachable by cascade.
	ErrUnmanagedReference = errors.New("reference to an unmanaged new entity")

	// ErrIdentityConflict is returned when a second instance claims a key
	// that is already managed.
	ErrIdentityConflict = errors.New("another instance is already managed under this key")

	// ErrNoIdentity is returned by Manage for an entity without a primary key.
	ErrNoIdentity = errors.New("entity has no primary key")

	// ErrNotManaged is returned for operations that need a managed entity.
	ErrNotManaged = errors.New("entity is not managed")

	// ErrFinderUnsupported is returned when the connection cannot load rows.
	ErrFinderUnsupported = errors.New("connection does not implement driver.Finder")
)

// UnknownEntityError is returned by Persist, Remove and Manage for an
// object whose type is not registered. The unit of work is unchanged.
type UnknownEntityError struct {
	Code       ErrorCode
	EntityType string
}

func (e *UnknownEntityError) Error() string {
	return fmt.Sprintf("%s: no metadata registered for entity type %q", e.Code, e.EntityType)
}

// ConcurrencyError reports an UPDATE or DELETE whose version precondition
// matched no row. The entity keeps its pre-flush values.
type ConcurrencyError struct {
	Code            ErrorCode
	Entity          string
	PrimaryKey      ir.IRObject
	ExpectedVersion ir.IRValue
}

func (e *ConcurrencyError) Error() string {
	key, _ := ir.MarshalCanonical(e.PrimaryKey)
	version, _ := ir.MarshalCanonical(e.ExpectedVersion)
	return fmt.Sprintf("%s: %s %s was changed or deleted concurrently (expected version %s)",
		e.Code, e.Entity, key, version)
}

// FlushError wraps an I/O-phase failure. Err joins the cause with any
// rollback error. ChangeSet is the change set whose statement failed, or
// nil when begin or commit failed.
type FlushError struct {
	Code      ErrorCode
	Token     string
	ChangeSet *changeset.ChangeSet
	Err       error
}

func (e *FlushError) Error() string {
	if e.ChangeSet != nil {
		return fmt.Sprintf("%s: flush %s: %s %s: %v", e.Code, e.Token, e.ChangeSet.Kind, e.ChangeSet.Type.Name, e.Err)
	}
	return fmt.Sprintf("%s: flush %s: %v", e.Code, e.Token, e.Err)
}

func (e *FlushError) Unwrap() error { return e.Err }

// PartialFlushError is returned in implicit-transaction mode when a
// statement fails after Committed statements were already applied. Change
// sets whose statements committed are treated as flushed.
type PartialFlushError struct {
	Code      ErrorCode
	Token     string
	Committed int
	ChangeSet *changeset.ChangeSet
	Err       error
}

func (e *PartialFlushError) Error() string {
	return fmt.Sprintf("%s: flush %s: %d statements committed before failure: %v", e.Code, e.Token, e.Committed, e.Err)
}

func (e *PartialFlushError) Unwrap() error { return e.Err }

// IsUnknownEntityError reports whether err wraps an UnknownEntityError.
func IsUnknownEntityError(err error) bool {
	var ue *UnknownEntityError
	return errors.As(err, &ue)
}

// IsConcurrencyError reports whether err wraps a ConcurrencyError.
func IsConcurrencyError(err error) bool {
	var ce *ConcurrencyError
	return errors.As(err, &ce)
}

// IsPartialFlush reports whether err wraps a PartialFlushError.
func IsPartialFlush(err error) bool {
	var pe *PartialFlushError
	return errors.As(err, &pe)
}

func newUnknownEntityError(entityType string) *UnknownEntityError {
	return &UnknownEntityError{Code: ErrCodeUnknownEntity, EntityType: entityType}
}
