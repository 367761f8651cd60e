package store

import (
	"context"
	"slices"
	"time"

	"github.com/tailored-agentic-units/statekit/action"
	"github.com/tailored-agentic-units/statekit/observability"
)

type waitResult[S any] struct {
	action action.Action[S]
	err    error
}

// waiter is a pending wait. Exactly one of onState and onFinish is set. Both
// run under the store lock and report whether the wait is satisfied along
// with the action to return.
type waiter[S any] struct {
	onState  func(state S, cause *entry[S]) (bool, action.Action[S])
	onFinish func(done *entry[S]) (bool, action.Action[S])
	result   chan waitResult[S]
}

func (w *waiter[S]) resolve(a action.Action[S], err error) {
	select {
	case w.result <- waitResult[S]{action: a, err: err}:
	default:
	}
}

// WaitCondition blocks until pred holds for the store state. It returns nil
// at once when pred already holds, otherwise the action whose state change
// first satisfied it. pred runs with the store lock held and must not call
// the Store.
func (s *Store[S]) WaitCondition(ctx context.Context, pred func(S) bool, opts ...WaitOption) (action.Action[S], error) {
	return s.wait(ctx, "WaitCondition", opts,
		func() (bool, action.Action[S]) {
			return pred(s.state), nil
		},
		&waiter[S]{
			onState: func(state S, cause *entry[S]) (bool, action.Action[S]) {
				return pred(state), cause.action
			},
		})
}

// WaitAllActions blocks until none of the given action instances is in
// progress. With no actions it waits until nothing is in progress.
func (s *Store[S]) WaitAllActions(ctx context.Context, actions []action.Action[S], opts ...WaitOption) error {
	idle := func() bool {
		if len(actions) == 0 {
			return len(s.inProgress) == 0
		}
		for _, e := range s.inProgress {
			for _, a := range actions {
				if action.Same(e.action, a) {
					return false
				}
			}
		}
		return true
	}

	_, err := s.wait(ctx, "WaitAllActions", opts,
		func() (bool, action.Action[S]) { return idle(), nil },
		&waiter[S]{
			onFinish: func(*entry[S]) (bool, action.Action[S]) { return idle(), nil },
		})
	return err
}

// WaitActionType blocks until no action of type typ is in progress and
// returns the last one to finish, or nil when none was in progress.
func (s *Store[S]) WaitActionType(ctx context.Context, typ string, opts ...WaitOption) (action.Action[S], error) {
	types := []string{typ}
	return s.wait(ctx, "WaitActionType", opts,
		func() (bool, action.Action[S]) {
			return !s.anyInProgressLocked(types), nil
		},
		&waiter[S]{
			onFinish: func(done *entry[S]) (bool, action.Action[S]) {
				if done.typ != typ {
					return false, nil
				}
				return !s.anyInProgressLocked(types), done.action
			},
		})
}

// WaitAllActionTypes blocks until no action of any of the given types is in
// progress.
func (s *Store[S]) WaitAllActionTypes(ctx context.Context, types []string, opts ...WaitOption) error {
	_, err := s.wait(ctx, "WaitAllActionTypes", opts,
		func() (bool, action.Action[S]) {
			return !s.anyInProgressLocked(types), nil
		},
		&waiter[S]{
			onFinish: func(*entry[S]) (bool, action.Action[S]) {
				return !s.anyInProgressLocked(types), nil
			},
		})
	return err
}

// WaitAnyActionTypeFinishes blocks until the next action of any of the given
// types finishes and returns it. Actions that finished before the call do
// not count.
func (s *Store[S]) WaitAnyActionTypeFinishes(ctx context.Context, types []string, opts ...WaitOption) (action.Action[S], error) {
	return s.wait(ctx, "WaitAnyActionTypeFinishes", opts,
		func() (bool, action.Action[S]) { return false, nil },
		&waiter[S]{
			onFinish: func(done *entry[S]) (bool, action.Action[S]) {
				return slices.Contains(types, done.typ), done.action
			},
		})
}

// wait checks immediate under the lock and registers w when it does not
// hold, then blocks until w resolves, ctx ends or the timeout expires.
func (s *Store[S]) wait(ctx context.Context, op string, opts []WaitOption, immediate func() (bool, action.Action[S]), w *waiter[S]) (action.Action[S], error) {
	w.result = make(chan waitResult[S], 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	ok, a, err := safePredicate(immediate)
	if err != nil || ok {
		s.mu.Unlock()
		return a, err
	}
	s.waiterSeq++
	id := s.waiterSeq
	s.waiters[id] = w
	s.metrics.RecordWaiter(1)
	s.mu.Unlock()

	timeout := s.resolveTimeout(opts)
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case res := <-w.result:
		return res.action, res.err
	case <-ctx.Done():
		return s.abandon(id, w, ctx.Err())
	case <-expired:
		s.emit(ctx, EventWaitTimeout, observability.LevelWarning, map[string]any{
			"op":      op,
			"timeout": timeout,
		})
		return s.abandon(id, w, &TimeoutError{Op: op, After: timeout})
	}
}

// abandon unregisters w. A result delivered before the lock was taken wins
// over err.
func (s *Store[S]) abandon(id uint64, w *waiter[S], err error) (action.Action[S], error) {
	s.mu.Lock()
	if _, ok := s.waiters[id]; ok {
		delete(s.waiters, id)
		s.metrics.RecordWaiter(-1)
	}
	s.mu.Unlock()

	select {
	case res := <-w.result:
		return res.action, res.err
	default:
		return nil, err
	}
}

func (s *Store[S]) resolveTimeout(opts []WaitOption) time.Duration {
	o := waitOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.hasTimeout {
		return o.timeout
	}
	return s.waitTimeout
}

func (s *Store[S]) evalStateWaitersLocked(cause *entry[S]) {
	for id, w := range s.waiters {
		if w.onState == nil {
			continue
		}
		ok, a, err := safePredicate(func() (bool, action.Action[S]) {
			return w.onState(s.state, cause)
		})
		if err != nil || ok {
			w.resolve(a, err)
			delete(s.waiters, id)
			s.metrics.RecordWaiter(-1)
		}
	}
}

func (s *Store[S]) evalFinishWaitersLocked(done *entry[S]) {
	for id, w := range s.waiters {
		if w.onFinish == nil {
			continue
		}
		ok, a, err := safePredicate(func() (bool, action.Action[S]) {
			return w.onFinish(done)
		})
		if err != nil || ok {
			w.resolve(a, err)
			delete(s.waiters, id)
			s.metrics.RecordWaiter(-1)
		}
	}
}

func safePredicate[S any](fn func() (bool, action.Action[S])) (ok bool, a action.Action[S], err error) {
	defer func() {
		if v := recover(); v != nil {
			ok, a, err = false, nil, &PredicatePanicError{Value: v}
		}
	}()
	ok, a = fn()
	return ok, a, nil
}
