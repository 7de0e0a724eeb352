// Package storage defines the persistence contract for lock records and the
// LockStore that implements compare-and-swap semantics on top of it.
package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// ContentTypeJSON is the content type used by object store backends.
const ContentTypeJSON = "application/json"

var (
	// ErrNotFound indicates no record exists under the requested name.
	ErrNotFound = errors.New("storage: not found")
	// ErrCASMismatch indicates the stored record changed since it was read.
	ErrCASMismatch = errors.New("storage: cas mismatch")
)

// LoadResult bundles a record with the version token it was read at.
type LoadResult struct {
	Record *Record
	ETag   string
}

// Backend persists one record per lock name with conditional writes.
//
// StoreRecord with an empty expectedETag must only succeed when no record
// exists; otherwise it must only succeed when the stored version still
// matches expectedETag. Losing either race returns ErrCASMismatch (or
// ErrNotFound when the record vanished). DeleteRecord follows the same rule
// when expectedETag is non-empty.
type Backend interface {
	LoadRecord(ctx context.Context, name string) (LoadResult, error)
	StoreRecord(ctx context.Context, name string, rec *Record, expectedETag string) (string, error)
	DeleteRecord(ctx context.Context, name string, expectedETag string) error
	Close() error
}

// Watcher is implemented by backends able to signal record changes. The
// returned channel receives a value (coalesced) whenever the record under
// name may have changed; cancel releases the subscription.
type Watcher interface {
	WatchRecord(ctx context.Context, name string) (events <-chan struct{}, cancel func(), err error)
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._-]{0,127}$`)

// ValidateName checks that name is usable as a file name, object key, SQL
// value and Redis key component.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("storage: invalid lock name %q (want [A-Za-z0-9._-], max 128, no leading dot or dash)", name)
	}
	return nil
}
