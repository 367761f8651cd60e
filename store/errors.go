package store

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for store operations.
var (
	ErrClosed    = errors.New("store closed")
	ErrTimeout   = errors.New("wait timed out")
	ErrNilAction = errors.New("nil action")
	// ErrInvalidKey reports a non-reentrant or freshness key that cannot be
	// compared with ==.
	ErrInvalidKey = errors.New("key is not comparable")
)

// TimeoutError is returned by the wait primitives when their timeout expires
// before the awaited condition holds. It matches ErrTimeout with errors.Is.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Op, e.After)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// PredicatePanicError reports a wait predicate that panicked while being
// evaluated.
type PredicatePanicError struct {
	Value any
}

func (e *PredicatePanicError) Error() string {
	return fmt.Sprintf("wait predicate panicked: %v", e.Value)
}
