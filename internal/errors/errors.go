// Package errors defines the error taxonomy surfaced by the cache engine.
// Raw backend errors (redis, bbolt, filesystem) never escape the engine;
// adapters normalize them into one of the kinds below.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded is returned by a capacity-bounded tier when a write
	// would exceed its byte budget. Recoverable: the orchestrator runs one
	// eviction pass and retries.
	ErrCapacityExceeded = errors.New("tier capacity exceeded")

	// ErrCorrupted indicates a stored envelope could not be decoded (bad
	// version tag, checksum mismatch, or malformed bytes). The orchestrator
	// treats it as a miss and deletes the slot.
	ErrCorrupted = errors.New("cache entry corrupted")

	// ErrWriteFailed is surfaced to the caller after an eviction retry also
	// failed. Not retried further.
	ErrWriteFailed = errors.New("cache write failed")

	// ErrNotFound is returned by the cache-only strategy on a miss.
	ErrNotFound = errors.New("cache entry not found")
)

// FetchError wraps a failure from a caller-supplied fetcher so strategies can
// distinguish fetch failures from engine failures.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetcher failed: %v", e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// WrapFetch wraps err as a FetchError. Returns nil if err is nil.
func WrapFetch(err error) error {
	if err == nil {
		return nil
	}
	return &FetchError{Err: err}
}

// IsFetchError reports whether err originated from a fetcher callback.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// Is re-exports errors.Is so callers don't need two errors imports.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As re-exports errors.As.
func As(err error, target any) bool {
	return errors.As(err, target)
}
