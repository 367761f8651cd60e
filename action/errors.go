package action

import (
	"errors"
	"fmt"
)

// Sentinel errors for the action lifecycle.
var (
	// ErrSwallow is returned by a wrap hook to suppress an error.
	ErrSwallow = errors.New("swallow error")
	// ErrSyncSuspended reports a hook that tried to suspend during a
	// synchronous dispatch.
	ErrSyncSuspended = errors.New("action suspended during synchronous dispatch")
)

// UserError is a failure meant for display to the end user rather than
// treatment as a bug. Stores queue user errors for presentation instead of
// returning them to the dispatcher.
type UserError struct {
	Msg    string
	Reason string
	Cause  error
}

// NewUserError creates a UserError with the given message.
func NewUserError(msg string) *UserError {
	return &UserError{Msg: msg}
}

// WithReason returns a copy of e carrying a secondary explanation.
func (e *UserError) WithReason(reason string) *UserError {
	clone := *e
	clone.Reason = reason
	return &clone
}

// WithCause returns a copy of e wrapping err.
func (e *UserError) WithCause(err error) *UserError {
	clone := *e
	clone.Cause = err
	return &clone
}

func (e *UserError) Error() string {
	if e.Reason == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Msg, e.Reason)
}

func (e *UserError) Unwrap() error {
	return e.Cause
}

// AsUserError returns the first UserError in err's chain.
func AsUserError(err error) (*UserError, bool) {
	var userErr *UserError
	if errors.As(err, &userErr) {
		return userErr, true
	}
	return nil, false
}

// PanicError captures a panic raised inside an action hook.
type PanicError struct {
	Hook  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Hook, e.Value)
}

// Unwrap returns the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
