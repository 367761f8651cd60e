// Package store provides Store, a generic state container driven by actions.
//
// Each dispatched action runs the action.Runner lifecycle on its own
// goroutine (Dispatch) or on the caller's (DispatchAndWait, DispatchSync).
// The store applies at most one reduction per dispatch, atomically, and
// bumps Revision for every state change. Waits block on state predicates or
// on the in-progress set, bounded by ctx and a timeout.
//
// # Configuration
//
// Config is loaded from JSON or TOML and overridden from STATEKIT_*
// environment variables:
//
//	cfg, err := store.LoadConfig("statekit.toml")
//	s, err := store.New(State{}, cfg,
//	    store.WithErrorObserver(func(ctx context.Context, err error, a action.Action[State], s *store.Store[State]) bool {
//	        return !errors.Is(err, context.Canceled)
//	    }),
//	)
//
// # Callbacks
//
// Observer events from the store and its Runners, persistor calls, state
// observers and action observers are delivered in order on one goroutine.
// Events are also recorded on the dispatch span as they are emitted, so
// tracing does not depend on the observer. User-facing errors
// (*action.UserError) are handed to the UserExceptionPresenter one at a time
// on a second goroutine and are not returned from DispatchAndWait.
package store
