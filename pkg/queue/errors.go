package queue

import "github.com/cockroachdb/errors"

// ErrInvalidQueueTransition is returned when Push or Pop is called for a transition
// that does not enter or leave pending. It signals a programming error and is never retried.
var ErrInvalidQueueTransition = errors.New("invalid queue transition")
