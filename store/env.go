package store

import (
	"context"

	"github.com/tailored-agentic-units/statekit/action"
)

// hookEnv is the action.Env handed to the hooks of one dispatch.
type hookEnv[S any] struct {
	store   *Store[S]
	initial S
}

func (e hookEnv[S]) State() S {
	return e.store.State()
}

func (e hookEnv[S]) InitialState() S {
	return e.initial
}

func (e hookEnv[S]) Dispatch(ctx context.Context, a action.Action[S]) {
	e.store.Dispatch(ctx, a)
}

func (e hookEnv[S]) DispatchAndWait(ctx context.Context, a action.Action[S]) (action.Status, error) {
	return e.store.DispatchAndWait(ctx, a)
}
