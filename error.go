package cache

import (
	"errors"
	"fmt"

	"github.com/swaggest/usecase/status"
)

// SentinelError is an error.
type SentinelError string

// Error implements error.
func (e SentinelError) Error() string {
	return string(e)
}

const (
	// ErrExpired indicates expired cache entry, returned together with the stale value by PeekStale.
	ErrExpired = SentinelError("expired cache item")

	// ErrLoadFailed is matched by every LoadError.
	ErrLoadFailed = SentinelError("cache load failed")

	// ErrKeyMutation indicates key hash has changed while the entry was stored.
	ErrKeyMutation = SentinelError("key mutation detected")

	// ErrNothingToInvalidate indicates no caches were added to Invalidator.
	ErrNothingToInvalidate = SentinelError("nothing to invalidate")

	// ErrAlreadyInvalidated indicates recent invalidation.
	ErrAlreadyInvalidated = SentinelError("already invalidated")
)

var (
	// ErrNotFound indicates missing cache entry.
	ErrNotFound = status.Wrap(errors.New("missing cache item"), status.NotFound)

	// ErrClosed indicates cache was closed and deactivated, it is never suppressed.
	ErrClosed = status.Wrap(errors.New("cache is closed"), status.Unavailable)

	// ErrLoadTimeout indicates loader did not finish within Config.LoaderTimeout.
	ErrLoadTimeout = status.Wrap(errors.New("cache load timed out"), status.DeadlineExceeded)

	// ErrNilValue indicates nil value while Config.PermitNilValues is disabled.
	ErrNilValue = status.Wrap(errors.New("nil value is not permitted"), status.InvalidArgument)

	// ErrCapacityMisconfiguration indicates conflicting capacity and weight settings.
	ErrCapacityMisconfiguration = status.Wrap(errors.New("capacity misconfiguration"), status.InvalidArgument)

	// ErrInvalidConfig indicates conflicting or malformed configuration.
	ErrInvalidConfig = status.Wrap(errors.New("invalid cache configuration"), status.InvalidArgument)
)

// LoadError is a propagated loader failure.
//
// It wraps the original cause and matches ErrLoadFailed with errors.Is.
type LoadError struct {
	Key     interface{}
	Cause   error
	Attempt int

	// RetryAtMillis is the clock time when the next load is allowed.
	RetryAtMillis int64
}

// Error implements error.
func (e *LoadError) Error() string {
	return fmt.Sprintf("%s for key %v (attempt %d): %v", ErrLoadFailed, e.Key, e.Attempt, e.Cause)
}

// Unwrap returns the loader failure.
func (e *LoadError) Unwrap() error {
	return e.Cause
}

// Is matches ErrLoadFailed.
func (e *LoadError) Is(err error) bool {
	return err == ErrLoadFailed //nolint:errorlint,goerr113 // Sentinel comparison.
}

type errExpired struct {
	expiredAt int64
}

func (e errExpired) Error() string {
	return ErrExpired.Error()
}

// ExpiredAtMillis returns clock time of expiration.
func (e errExpired) ExpiredAtMillis() int64 {
	return e.expiredAt
}

func (e errExpired) Is(err error) bool {
	return err == ErrExpired //nolint:errorlint,goerr113 // Sentinel comparison.
}
