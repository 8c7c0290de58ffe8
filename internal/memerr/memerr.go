// Package memerr defines the error taxonomy shared by the memory engine's
// stores. Typed errors unwrap to the package sentinels so callers can test
// with errors.Is and inspect details with errors.As.
package memerr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for malformed input shape or dimension.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when an operation references a missing id.
	ErrNotFound = errors.New("not found")

	// ErrQuerySyntax is returned for malformed graph queries.
	ErrQuerySyntax = errors.New("query syntax error")

	// ErrStorageCorruption is returned when persisted state fails a checksum
	// or format check on load.
	ErrStorageCorruption = errors.New("storage corruption")

	// ErrConcurrencyConflict is returned when a lock could not be acquired in
	// time. It is safe to retry with backoff.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrCapacity is returned when a tier overflows and no eviction policy is
	// configured.
	ErrCapacity = errors.New("capacity exceeded")

	// ErrReadOnly is returned for writes against a store opened in degraded
	// read-only mode.
	ErrReadOnly = errors.New("store is read-only")
)

// Validation returns a validation error with a formatted message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// DimensionMismatchError reports an embedding whose length differs from the
// store's fixed dimension.
type DimensionMismatchError struct {
	Want int
	Got  int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: want %d, got %d", e.Want, e.Got)
}

func (e *DimensionMismatchError) Unwrap() error { return ErrValidation }

// NotFoundError names the kind and id of a missing entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotFound is shorthand for a *NotFoundError.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// QuerySyntaxError locates the offending token of a malformed query.
// Pos is a byte offset into the query text.
type QuerySyntaxError struct {
	Pos  int
	Near string
	Msg  string
}

func (e *QuerySyntaxError) Error() string {
	if e.Near == "" {
		return fmt.Sprintf("query syntax error at position %d: %s", e.Pos, e.Msg)
	}
	return fmt.Sprintf("query syntax error at position %d near %q: %s", e.Pos, e.Near, e.Msg)
}

func (e *QuerySyntaxError) Unwrap() error { return ErrQuerySyntax }

// StorageCorruptionError describes a failed integrity check. Batch is the
// index of the failing record batch, or -1 when the failure is not batch
// specific (header, database).
type StorageCorruptionError struct {
	Path   string
	Batch  int
	Reason string
}

func (e *StorageCorruptionError) Error() string {
	if e.Batch >= 0 {
		return fmt.Sprintf("storage corruption in %s (batch %d): %s", e.Path, e.Batch, e.Reason)
	}
	return fmt.Sprintf("storage corruption in %s: %s", e.Path, e.Reason)
}

func (e *StorageCorruptionError) Unwrap() error { return ErrStorageCorruption }

// ConcurrencyConflictError reports a lock that could not be acquired.
type ConcurrencyConflictError struct {
	Resource string
	Cause    error
}

func (e *ConcurrencyConflictError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("concurrency conflict on %s: %v", e.Resource, e.Cause)
	}
	return fmt.Sprintf("concurrency conflict on %s", e.Resource)
}

func (e *ConcurrencyConflictError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrConcurrencyConflict, e.Cause}
	}
	return []error{ErrConcurrencyConflict}
}

// CapacityError reports a tier that is full with eviction disabled.
type CapacityError struct {
	Tier     string
	Capacity int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s tier full (capacity %d) and eviction is disabled", e.Tier, e.Capacity)
}

func (e *CapacityError) Unwrap() error { return ErrCapacity }

// Retryable reports whether err may succeed if the caller retries with
// backoff. Only concurrency conflicts qualify; corruption is never retried.
func Retryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}
