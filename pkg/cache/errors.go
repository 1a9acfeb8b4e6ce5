package cache

import (
	"errors"
	"fmt"
)

var (
	// ErrCacheMiss indicates the key was not found, or was found expired.
	ErrCacheMiss = errors.New("cache miss")

	// ErrTierUnavailable indicates an L2/L3 connectivity failure. It is
	// absorbed by the coordinator: the affected tier is skipped and the
	// lookup continues down the chain.
	ErrTierUnavailable = errors.New("cache tier unavailable")

	// ErrStampedeLockTimeout indicates a lock loser exhausted its bounded
	// backoff without observing the winner's write. The caller falls through
	// to an independent compute.
	ErrStampedeLockTimeout = errors.New("stampede lock wait timed out")

	// ErrLockNotHeld is returned when releasing a lock that has already
	// expired or was taken over by another holder.
	ErrLockNotHeld = errors.New("stampede lock not held")

	// ErrInvalidConfig indicates a configuration value out of range.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// KeyEncodingError indicates the lookup inputs could not be serialized into
// a deterministic cache key. It is fatal for the current request only: the
// coordinator computes directly and never caches under a corrupted key.
type KeyEncodingError struct {
	Operation Operation
	Cause     error
}

func (e *KeyEncodingError) Error() string {
	return fmt.Sprintf("failed to encode cache key for %s: %v", e.Operation, e.Cause)
}

func (e *KeyEncodingError) Unwrap() error { return e.Cause }

// IsKeyEncodingError reports whether err is (or wraps) a KeyEncodingError.
func IsKeyEncodingError(err error) bool {
	var target *KeyEncodingError
	return errors.As(err, &target)
}
