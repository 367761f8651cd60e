package store

import (
	"context"
	"time"

	"github.com/tailored-agentic-units/statekit/action"
	"github.com/tailored-agentic-units/statekit/observability"
	"go.opentelemetry.io/otel/trace"
)

// Persistor receives every applied state change, in apply order, on the
// store's notifier goroutine. Errors are reported through the observer.
type Persistor[S any] interface {
	Persist(ctx context.Context, last, next S) error
}

// PersistorFunc adapts a function to Persistor.
type PersistorFunc[S any] func(ctx context.Context, last, next S) error

func (f PersistorFunc[S]) Persist(ctx context.Context, last, next S) error {
	return f(ctx, last, next)
}

// StateChange describes a finished dispatch for StateObserver callbacks.
type StateChange[S any] struct {
	Action        action.Action[S]
	Status        action.Status
	Prev          S
	Next          S
	Err           error
	DispatchCount uint64
}

// StateObserver is called once per finished dispatch.
type StateObserver[S any] func(ctx context.Context, change StateChange[S])

// ActionObserver is called when a dispatch starts (ini true) and when it
// finishes (ini false).
type ActionObserver[S any] func(ctx context.Context, a action.Action[S], ini bool, status action.Status)

// ErrorObserver sees every action error left after wrapping. Returning false
// swallows the error.
type ErrorObserver[S any] func(ctx context.Context, err error, a action.Action[S], s *Store[S]) bool

// GlobalWrapError runs after each action's WrapError with the same contract:
// nil keeps the error, action.ErrSwallow suppresses it.
type GlobalWrapError[S any] func(err error, a action.Action[S]) error

// UserExceptionPresenter displays user-facing errors one at a time.
type UserExceptionPresenter func(ctx context.Context, err *action.UserError)

// Option configures a Store after its Config has been applied.
type Option[S any] func(*Store[S])

func WithPersistor[S any](p Persistor[S]) Option[S] {
	return func(s *Store[S]) { s.persistor = p }
}

func WithUserExceptionPresenter[S any](p UserExceptionPresenter) Option[S] {
	return func(s *Store[S]) { s.presentUserError = p }
}

func WithStateObserver[S any](o StateObserver[S]) Option[S] {
	return func(s *Store[S]) { s.stateObservers = append(s.stateObservers, o) }
}

func WithErrorObserver[S any](o ErrorObserver[S]) Option[S] {
	return func(s *Store[S]) { s.errorObserver = o }
}

func WithActionObserver[S any](o ActionObserver[S]) Option[S] {
	return func(s *Store[S]) { s.actionObservers = append(s.actionObservers, o) }
}

func WithGlobalWrapError[S any](w GlobalWrapError[S]) Option[S] {
	return func(s *Store[S]) { s.globalWrapError = w }
}

// WithObserver replaces the observer named by Config.Observer.
func WithObserver[S any](o observability.Observer) Option[S] {
	return func(s *Store[S]) { s.observer = o }
}

// WithTracer sets the tracer used for dispatch spans.
func WithTracer[S any](t trace.Tracer) Option[S] {
	return func(s *Store[S]) { s.tracer = t }
}

// WithUnhandledError receives errors from fire-and-forget dispatches that
// nothing else handled.
func WithUnhandledError[S any](fn func(ctx context.Context, err error, a action.Action[S])) Option[S] {
	return func(s *Store[S]) { s.unhandled = fn }
}

// WaitOption configures a single wait call.
type WaitOption func(*waitOptions)

type waitOptions struct {
	timeout    time.Duration
	hasTimeout bool
}

// WithTimeout overrides Config.WaitTimeout for one wait. A value <= 0
// disables the timeout.
func WithTimeout(d time.Duration) WaitOption {
	return func(o *waitOptions) {
		o.timeout = d
		o.hasTimeout = true
	}
}
