package action

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tailored-agentic-units/statekit/observability"
)

// OutcomeKind classifies the result of a Run.
type OutcomeKind int

const (
	OutcomeNoChange OutcomeKind = iota
	OutcomeNewState
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeNewState:
		return "new_state"
	case OutcomeFailed:
		return "failed"
	default:
		return "no_change"
	}
}

// Outcome holds the result of one lifecycle run.
type Outcome[S any] struct {
	Kind   OutcomeKind
	State  S      // State applied by the store, set for OutcomeNewState.
	Status Status // Final, completed status.
	Err    error  // Error left after the wrap chain; nil when ok or swallowed.
}

// Runner executes one action's Before/Reduce/After sequence. A Runner is
// built by the store per dispatch and is not reused.
type Runner[S any] struct {
	// Env is handed to every hook.
	Env Env[S]
	// Apply commits a resolved reduction and returns the resulting state.
	// The boolean is false when state was left untouched.
	Apply func(ctx context.Context, r Reduction[S]) (S, bool)
	// Observer receives lifecycle events. Nil discards them.
	Observer observability.Observer
	// Sync fails the action with ErrSyncSuspended when a hook suspends.
	Sync bool
	// GlobalWrapError runs after the action's WrapError, with the same contract.
	GlobalWrapError func(err error, a Action[S]) error
	// ObserveError sees every error that survived wrapping. Returning false
	// swallows it.
	ObserveError func(ctx context.Context, err error, a Action[S]) bool
	// OnTransition receives every new Status.
	OnTransition func(Status)
	// Retry holds the defaults for Retrier actions.
	Retry RetryPolicy
}

// Run drives a through its lifecycle starting from the submitted status.
func (r *Runner[S]) Run(ctx context.Context, a Action[S], status Status) Outcome[S] {
	typ := TypeOf(a)
	start := time.Now()
	out := Outcome[S]{Kind: OutcomeNoChange}

	r.emit(ctx, EventRunStart, observability.LevelVerbose, map[string]any{
		"action_type": typ,
		"dispatch_id": status.ID(),
		"sync":        r.Sync,
	})

	st := r.transition(status.enter(PhaseBeforeRunning))
	err := r.runBefore(ctx, a)
	st = r.transition(st.finishBefore(err))

	r.emit(ctx, EventBeforeComplete, observability.LevelVerbose, map[string]any{
		"action_type": typ,
		"dispatch_id": st.ID(),
		"error":       err != nil,
	})

	if err == nil {
		st = r.transition(st.enter(PhaseReduceRunning))

		var red Reduction[S]
		changed := false
		red, err = r.runReduce(ctx, a, typ)
		if err == nil && !red.IsNoChange() {
			out.State, changed, err = r.apply(ctx, red)
		}
		if err != nil {
			st = r.transition(st.enter(PhaseReduceFailed))
		} else {
			if changed {
				out.Kind = OutcomeNewState
			}
			st = r.transition(st.finishReduce(changed))

			r.emit(ctx, EventReduceComplete, observability.LevelVerbose, map[string]any{
				"action_type": typ,
				"dispatch_id": st.ID(),
				"changed":     changed,
			})
		}
	}

	if err != nil {
		out.Kind = OutcomeFailed
		st, out.Err = r.processError(ctx, a, typ, st, err)
		st = r.transition(st)
	}

	st = r.transition(st.enter(PhaseAfterRunning))
	r.runAfter(ctx, a, typ, st)
	st = r.transition(st.complete())

	out.Status = st

	r.emit(ctx, EventRunComplete, observability.LevelVerbose, map[string]any{
		"action_type": typ,
		"dispatch_id": st.ID(),
		"outcome":     out.Kind.String(),
		"duration":    time.Since(start),
	})

	return out
}

func (r *Runner[S]) runBefore(ctx context.Context, a Action[S]) (err error) {
	defer recoverHook("before", &err)

	deferred, err := a.Before(ctx, r.Env)
	if err != nil || deferred == nil {
		return err
	}
	if r.Sync {
		return fmt.Errorf("%w: before", ErrSyncSuspended)
	}
	return deferred(ctx)
}

func (r *Runner[S]) runReduce(ctx context.Context, a Action[S], typ string) (Reduction[S], error) {
	retrier, ok := a.(Retrier)
	if !ok || r.Sync {
		return r.reduceOnce(ctx, a)
	}

	policy := r.Retry
	custom := retrier.RetryPolicy()
	policy.Merge(&custom)
	b := policy.backOff()

	for attempt := 1; ; attempt++ {
		red, err := r.reduceOnce(ctx, a)
		if err == nil || !policy.allows(attempt) {
			return red, err
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return red, err
		}

		r.emit(ctx, EventReduceRetry, observability.LevelInfo, map[string]any{
			"action_type": typ,
			"attempt":     attempt,
			"delay":       delay,
			"error":       err.Error(),
		})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return red, err
		case <-timer.C:
		}
	}
}

func (r *Runner[S]) reduceOnce(ctx context.Context, a Action[S]) (red Reduction[S], err error) {
	defer recoverHook("reduce", &err)

	red, err = a.Reduce(ctx, r.Env)
	for err == nil && red.IsPending() {
		if r.Sync {
			return NoChange[S](), fmt.Errorf("%w: reduce", ErrSyncSuspended)
		}
		red, err = red.Resolve(ctx)
	}
	return red, err
}

// apply hands a resolved reduction to the store. Transform panics surface as
// reduce failures.
func (r *Runner[S]) apply(ctx context.Context, red Reduction[S]) (next S, changed bool, err error) {
	defer recoverHook("reduce", &err)

	next, changed = r.Apply(ctx, red)
	return next, changed, nil
}

func (r *Runner[S]) runAfter(ctx context.Context, a Action[S], typ string, st Status) {
	err := func() (err error) {
		defer recoverHook("after", &err)
		return a.After(ctx, r.Env)
	}()
	if err == nil {
		return
	}

	r.emit(ctx, EventAfterError, observability.LevelError, map[string]any{
		"action_type": typ,
		"dispatch_id": st.ID(),
		"error":       err.Error(),
	})
}

// processError runs the wrap chain: action WrapError, then GlobalWrapError,
// then ObserveError. It returns the failed status and the error to propagate.
func (r *Runner[S]) processError(ctx context.Context, a Action[S], typ string, st Status, original error) (Status, error) {
	current := original
	transformed := false
	swallowed := false

	stages := []func(error) error{a.WrapError}
	if r.GlobalWrapError != nil {
		stages = append(stages, func(err error) error { return r.GlobalWrapError(err, a) })
	}

	for _, wrap := range stages {
		replaced := wrap(current)
		if replaced == nil {
			continue
		}
		if errors.Is(replaced, ErrSwallow) {
			swallowed = true
			break
		}
		current = replaced
		transformed = true
	}

	var wrapped error
	if transformed {
		wrapped = current
	}
	st = st.fail(original, wrapped)

	if !swallowed && r.ObserveError != nil && !r.ObserveError(ctx, current, a) {
		swallowed = true
	}

	if swallowed {
		r.emit(ctx, EventErrorSwallowed, observability.LevelVerbose, map[string]any{
			"action_type": typ,
			"dispatch_id": st.ID(),
			"error":       original.Error(),
		})
		return st, nil
	}

	return st, current
}

func (r *Runner[S]) transition(st Status) Status {
	if r.OnTransition != nil {
		r.OnTransition(st)
	}
	return st
}

func (r *Runner[S]) emit(ctx context.Context, typ observability.EventType, level observability.Level, data map[string]any) {
	if r.Observer == nil {
		return
	}
	r.Observer.OnEvent(ctx, observability.Event{
		Type:      typ,
		Level:     level,
		Timestamp: time.Now(),
		Source:    "action.Runner",
		Data:      data,
	})
}

func recoverHook(hook string, err *error) {
	if v := recover(); v != nil {
		*err = &PanicError{Hook: hook, Value: v, Stack: debug.Stack()}
	}
}
