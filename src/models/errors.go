package models

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedDocument aborts the whole extraction.
	ErrMalformedDocument = errors.New("malformed document")
	// ErrEntityParse drops a single activity; extraction continues.
	ErrEntityParse = errors.New("entity parse error")
	// ErrValidation blocks an entity from being imported.
	ErrValidation = errors.New("validation error")
	// ErrResolutionAmbiguity leaves a transaction unresolved.
	ErrResolutionAmbiguity = errors.New("activity reference could not be resolved")
	// ErrPersistenceConflict is returned by a create that hit a uniqueness constraint.
	ErrPersistenceConflict = errors.New("persistence conflict")
	// ErrPersistenceFatal aborts the remaining executor phases.
	ErrPersistenceFatal = errors.New("persistence failure")
	// ErrDependencyFailed marks an entity whose prerequisite failed earlier in the run.
	ErrDependencyFailed = errors.New("dependency failed")

	ErrNotFound          = errors.New("not found")
	ErrSessionNotFound   = errors.New("review session not found or expired")
	ErrInvalidTransition = errors.New("invalid link decision transition")
	ErrAlreadyImported   = errors.New("review session already imported")
)

// EntityError ties an error to the entity it happened on.
type EntityError struct {
	Entity    EntityKind
	Reference string
	Err       error
}

func (e *EntityError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Entity, e.Reference, e.Err)
}

func (e *EntityError) Unwrap() error { return e.Err }

// NewEntityError wraps err with the entity it belongs to.
func NewEntityError(kind EntityKind, ref string, err error) *EntityError {
	return &EntityError{Entity: kind, Reference: ref, Err: err}
}
