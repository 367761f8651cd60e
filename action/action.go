package action

import (
	"context"
	"reflect"
)

// Action is a request to transition store state plus its lifecycle hooks.
// Implementations embed Base for the no-op hooks and provide Reduce.
type Action[S any] interface {
	// Before runs ahead of Reduce. A non-nil Deferred is awaited before the
	// lifecycle continues; a nil Deferred means Before finished synchronously.
	Before(ctx context.Context, env Env[S]) (Deferred, error)
	// Reduce computes the next state. The zero Reduction means no change.
	Reduce(ctx context.Context, env Env[S]) (Reduction[S], error)
	// After runs once the lifecycle settles, whatever the outcome.
	After(ctx context.Context, env Env[S]) error
	// WrapError may replace a failure. Returning nil keeps the original error;
	// returning ErrSwallow suppresses it.
	WrapError(err error) error
}

// Env is the view of the store handed to action hooks.
type Env[S any] interface {
	// State returns the store state at the time of the call.
	State() S
	// InitialState returns the store state at the time the action was dispatched.
	InitialState() S
	// Dispatch submits another action without waiting for it.
	Dispatch(ctx context.Context, a Action[S])
	// DispatchAndWait submits another action and blocks until it completes.
	DispatchAndWait(ctx context.Context, a Action[S]) (Status, error)
}

// Deferred is a suspended computation awaited by the runner.
type Deferred func(ctx context.Context) error

// Base provides the default hooks. Embed it in concrete actions.
type Base[S any] struct{}

func (Base[S]) Before(context.Context, Env[S]) (Deferred, error) { return nil, nil }

func (Base[S]) After(context.Context, Env[S]) error { return nil }

func (Base[S]) WrapError(error) error { return nil }

// Typed overrides the action type name used by type-based queries and waits.
type Typed interface {
	ActionType() string
}

// NonReentrant actions are refused while another dispatch with the same key
// is in progress. A nil key means the action type.
type NonReentrant interface {
	NonReentrantKey() any
}

// Fresh actions have their result discarded when a newer dispatch with the
// same key was submitted before they apply. A nil key means the action type.
type Fresh interface {
	FreshKey() any
}

// Aborter can cancel its own dispatch before any hook runs.
type Aborter[S any] interface {
	AbortDispatch(env Env[S]) bool
}

// TypeOf returns the type name of an action: the ActionType of a Typed action,
// otherwise the Go type name with pointers dereferenced.
func TypeOf(a any) string {
	if typed, ok := a.(Typed); ok {
		return typed.ActionType()
	}

	t := reflect.TypeOf(a)
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if name := t.Name(); name != "" {
		return name
	}
	return t.String()
}

// Same reports whether a and b refer to the same action instance. Pointer
// actions compare by address; comparable value actions compare by value.
func Same(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
