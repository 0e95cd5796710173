// Package common defines shared sentinel errors used across FileFlow
// layers. Callers should use errors.Is to match these values.
package common

import (
	"errors"
	"fmt"
)

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned when an optimistic version-checked
	// write affects no rows: another writer committed first. Callers may
	// reload the aggregate and retry, or abandon the update.
	ErrVersionConflict = errors.New("version conflict")

	// ErrStateConflict is returned when an operation is attempted against
	// an aggregate whose current state forbids it (completing an expired
	// session, cancelling a completed one, and so on). Recovery jobs treat
	// it as "already handled" and skip the item.
	ErrStateConflict = errors.New("state conflict")

	// ErrValidation is returned for malformed input. Never retried.
	ErrValidation = errors.New("validation error")

	// Multipart part-tracking and expiry errors. Each wraps
	// ErrStateConflict so callers can match either the precise reason or
	// the whole family with one errors.Is.
	ErrDuplicatePart  = fmt.Errorf("%w: duplicate part number", ErrStateConflict)
	ErrPartOutOfRange = fmt.Errorf("%w: part number out of range", ErrStateConflict)
	ErrSessionExpired = fmt.Errorf("%w: session expired", ErrStateConflict)
)

// IsStateConflict reports whether err is any state-machine rejection.
// The part and expiry sentinels wrap ErrStateConflict, so this is
// shorthand for errors.Is against the root sentinel.
func IsStateConflict(err error) bool {
	return errors.Is(err, ErrStateConflict)
}
