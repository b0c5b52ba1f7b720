package domain

import (
	"errors"
	"fmt"
)

// ConfigurationError reports an invalid or unknown definition field, such as
// an unrecognized stacking behaviour. It is fatal: aggregation propagates it
// to the caller instead of silently defaulting to an identity multiplier,
// since that default could produce wrong balance outcomes.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s %s", e.Field, e.Reason)
}

// ErrTransient marks a store error as a connectivity hiccup that callers may
// retry. Handlers hitting one rely on the normal job-retry path; the
// claim/reap path applies a small bounded local retry.
var ErrTransient = errors.New("transient store error")

// Transient wraps err so that errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsTransient reports whether err carries the transient marker.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Sentinel errors shared by all store implementations.
var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a job status change is not
	// allowed from the job's current state (e.g. cancelling a claimed job).
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrDuplicateName is returned when a definition name is already taken.
	ErrDuplicateName = errors.New("duplicate definition name")
)
