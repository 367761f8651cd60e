package store

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/tailored-agentic-units/statekit/action"
	"github.com/tailored-agentic-units/statekit/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Dispatch submits a and returns immediately; the lifecycle runs on its own
// goroutine and ignores cancellation of ctx. Errors nothing else handled are
// reported as store.error.unhandled events and to the WithUnhandledError hook.
func (s *Store[S]) Dispatch(ctx context.Context, a action.Action[S]) {
	ctx = context.WithoutCancel(ctx)

	e, err := s.submit(ctx, a)
	if err != nil {
		s.reportUnhandled(ctx, err, a)
		return
	}
	if e.status.IsDispatchAborted() {
		return
	}

	go func() {
		if _, err := s.execute(ctx, e, false); err != nil {
			s.reportUnhandled(ctx, err, a)
		}
	}()
}

// DispatchAndWait runs a on the calling goroutine and returns its final
// Status with the error left after the wrap chain. User errors go to the
// presenter and are not returned.
func (s *Store[S]) DispatchAndWait(ctx context.Context, a action.Action[S]) (action.Status, error) {
	e, err := s.submit(ctx, a)
	if err != nil {
		return action.Status{}, err
	}
	if e.status.IsDispatchAborted() {
		return e.status, nil
	}
	return s.execute(ctx, e, false)
}

// DispatchSync is DispatchAndWait in synchronous mode: an action whose
// Before or Reduce suspends fails with action.ErrSyncSuspended.
func (s *Store[S]) DispatchSync(ctx context.Context, a action.Action[S]) (action.Status, error) {
	e, err := s.submit(ctx, a)
	if err != nil {
		return action.Status{}, err
	}
	if e.status.IsDispatchAborted() {
		return e.status, nil
	}
	return s.execute(ctx, e, true)
}

// DispatchAll dispatches every action without waiting.
func (s *Store[S]) DispatchAll(ctx context.Context, actions ...action.Action[S]) {
	for _, a := range actions {
		s.Dispatch(ctx, a)
	}
}

// DispatchAndWaitAll runs the actions in parallel and waits for all of them.
// Statuses are returned in input order along with the first error.
func (s *Store[S]) DispatchAndWaitAll(ctx context.Context, actions ...action.Action[S]) ([]action.Status, error) {
	statuses := make([]action.Status, len(actions))

	var g errgroup.Group
	for i, a := range actions {
		g.Go(func() error {
			st, err := s.DispatchAndWait(ctx, a)
			statuses[i] = st
			return err
		})
	}

	err := g.Wait()
	return statuses, err
}

func (s *Store[S]) submit(ctx context.Context, a action.Action[S]) (*entry[S], error) {
	if a == nil {
		return nil, ErrNilAction
	}

	e := &entry[S]{
		id:        newDispatchID(),
		typ:       action.TypeOf(a),
		action:    a,
		submitted: time.Now(),
	}
	e.status = action.NewStatus(e.id)

	if nr, ok := a.(action.NonReentrant); ok {
		e.nonReentrant = true
		e.reentrantKey = keyOr(nr.NonReentrantKey(), e.typ)
		if !isComparableKey(e.reentrantKey) {
			return nil, fmt.Errorf("%s: non-reentrant %w: %T", e.typ, ErrInvalidKey, e.reentrantKey)
		}
	}
	if f, ok := a.(action.Fresh); ok {
		e.fresh = true
		e.freshKey = keyOr(f.FreshKey(), e.typ)
		if !isComparableKey(e.freshKey) {
			return nil, fmt.Errorf("%s: fresh %w: %T", e.typ, ErrInvalidKey, e.freshKey)
		}
	}

	if ab, ok := a.(action.Aborter[S]); ok {
		if s.isClosed() {
			return nil, ErrClosed
		}
		if ab.AbortDispatch(hookEnv[S]{store: s, initial: s.State()}) {
			s.mu.Lock()
			s.dispatchCount++
			s.mu.Unlock()
			return s.abort(ctx, e, "abort_dispatch"), nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	s.dispatchCount++

	if e.nonReentrant {
		for _, other := range s.inProgress {
			if other.nonReentrant && other.reentrantKey == e.reentrantKey {
				return s.abort(ctx, e, "non_reentrant"), nil
			}
		}
	}

	s.seq++
	e.seq = s.seq
	e.initial = s.state
	e.status = e.status.Submit()

	if e.fresh {
		s.fresh[e.freshKey] = e.seq
	}
	delete(s.failures, e.typ)

	s.inProgress = append(s.inProgress, e)
	s.running.Add(1)
	s.metrics.RecordDispatched()

	s.notifyAction(ctx, e, true)
	s.emit(ctx, EventDispatch, observability.LevelVerbose, map[string]any{
		"action_type": e.typ,
		"dispatch_id": e.id,
		"in_progress": len(s.inProgress),
	})

	return e, nil
}

// abort marks e as refused. The entry never joins the in-progress set.
func (s *Store[S]) abort(ctx context.Context, e *entry[S], reason string) *entry[S] {
	e.status = e.status.Abort()
	s.metrics.RecordAborted()
	s.emit(ctx, EventDispatchAborted, observability.LevelVerbose, map[string]any{
		"action_type": e.typ,
		"dispatch_id": e.id,
		"reason":      reason,
	})
	return e
}

func (s *Store[S]) execute(ctx context.Context, e *entry[S], sync bool) (action.Status, error) {
	ctx, span := s.tracer.Start(ctx, "statekit.dispatch "+e.typ, trace.WithAttributes(
		attribute.String("statekit.action_type", e.typ),
		attribute.String("statekit.dispatch_id", e.id),
		attribute.Bool("statekit.sync", sync),
	))
	defer span.End()

	r := &action.Runner[S]{
		Env:      hookEnv[S]{store: s, initial: e.initial},
		Observer: observability.ObserverFunc(s.publish),
		Sync:     sync,
		Retry:    s.retry,
		Apply: func(ctx context.Context, red action.Reduction[S]) (S, bool) {
			return s.apply(ctx, e, red)
		},
		OnTransition: func(st action.Status) {
			s.mu.Lock()
			e.status = st
			s.mu.Unlock()
		},
	}
	if s.globalWrapError != nil {
		r.GlobalWrapError = func(err error, a action.Action[S]) error {
			return s.globalWrapError(err, a)
		}
	}
	if s.errorObserver != nil {
		r.ObserveError = func(ctx context.Context, err error, a action.Action[S]) bool {
			return s.errorObserver(ctx, err, a, s)
		}
	}

	out := r.Run(ctx, e.action, e.status)
	s.finish(ctx, e, out)

	span.SetAttributes(attribute.String("statekit.outcome", out.Kind.String()))
	if out.Kind == action.OutcomeFailed {
		span.RecordError(out.Status.OriginalError())
	}

	err := out.Err
	if userErr, ok := action.AsUserError(err); ok {
		s.presenter.enqueue(func() {
			s.presentUserError(ctx, userErr)
		})
		err = nil
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}

	return out.Status, err
}

// apply commits a resolved reduction. It runs once per dispatch, at most,
// and is the only writer of s.state.
func (s *Store[S]) apply(ctx context.Context, e *entry[S], red action.Reduction[S]) (S, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.fresh && s.fresh[e.freshKey] != e.seq {
		s.emit(ctx, EventStaleDiscarded, observability.LevelVerbose, map[string]any{
			"action_type": e.typ,
			"dispatch_id": e.id,
		})
		return s.state, false
	}

	next, changed := red.ApplyTo(s.state)
	if !changed {
		return s.state, false
	}

	prev := s.state
	s.state = next
	s.revision++
	e.applied = true
	e.prev = prev
	e.next = next
	s.metrics.RecordStateChange()

	s.evalStateWaitersLocked(e)

	if s.persistor != nil {
		p := s.persistor
		s.notifier.enqueue(func() {
			if err := p.Persist(ctx, prev, next); err != nil {
				s.observer.OnEvent(ctx, observability.Event{
					Type:      EventPersistError,
					Level:     observability.LevelError,
					Timestamp: time.Now(),
					Source:    s.name,
					Data:      map[string]any{"action_type": e.typ, "error": err.Error()},
				})
			}
		})
	}

	level := observability.LevelVerbose
	if s.logStateChanges {
		level = observability.LevelInfo
	}
	s.emit(ctx, EventStateChange, level, map[string]any{
		"action_type": e.typ,
		"dispatch_id": e.id,
		"revision":    s.revision,
	})

	return next, true
}

func (s *Store[S]) finish(ctx context.Context, e *entry[S], out action.Outcome[S]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := slices.Index(s.inProgress, e); i >= 0 {
		s.inProgress = slices.Delete(s.inProgress, i, i+1)
	}
	e.status = out.Status

	if out.Err != nil {
		s.failures[e.typ] = out.Err
	}
	if e.fresh && s.fresh[e.freshKey] == e.seq {
		delete(s.fresh, e.freshKey)
	}

	s.metrics.RecordCompleted(out.Kind == action.OutcomeFailed)
	s.evalFinishWaitersLocked(e)

	change := StateChange[S]{
		Action:        e.action,
		Status:        e.status,
		Prev:          s.state,
		Next:          s.state,
		Err:           out.Err,
		DispatchCount: s.dispatchCount,
	}
	if e.applied {
		change.Prev = e.prev
		change.Next = e.next
	}
	for _, o := range s.stateObservers {
		s.notifier.enqueue(func() { o(ctx, change) })
	}
	s.notifyAction(ctx, e, false)

	s.emit(ctx, EventActionComplete, observability.LevelVerbose, map[string]any{
		"action_type": e.typ,
		"dispatch_id": e.id,
		"outcome":     out.Kind.String(),
		"duration":    time.Since(e.submitted),
	})

	s.running.Done()
}

func (s *Store[S]) notifyAction(ctx context.Context, e *entry[S], ini bool) {
	st := e.status
	for _, o := range s.actionObservers {
		s.notifier.enqueue(func() { o(ctx, e.action, ini, st) })
	}
}

func (s *Store[S]) reportUnhandled(ctx context.Context, err error, a action.Action[S]) {
	typ := ""
	if a != nil {
		typ = action.TypeOf(a)
	}
	data := map[string]any{"action_type": typ, "error": err.Error()}
	if errors.Is(err, ErrClosed) {
		data["closed"] = true
	}
	s.emit(ctx, EventUnhandledError, observability.LevelError, data)

	if s.unhandled != nil {
		s.unhandled(ctx, err, a)
	}
}

func (s *Store[S]) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func newDispatchID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// isComparableKey checks the dynamic value, so an interface field holding a slice
// is caught too.
func isComparableKey(key any) bool {
	return reflect.ValueOf(key).Comparable()
}

func keyOr(key any, typ string) any {
	if key == nil {
		return typ
	}
	return key
}
