package ci

import "github.com/cockroachdb/errors"

var (
	// ErrInvalidTransition is returned when an event is not allowed from the build's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrSchedulingTypeImmutable is returned when a build's scheduling type is reassigned.
	ErrSchedulingTypeImmutable = errors.New("scheduling type cannot be changed once set")
)
