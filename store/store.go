package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/tailored-agentic-units/statekit/action"
	"github.com/tailored-agentic-units/statekit/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/tailored-agentic-units/statekit/store"

// entry is one accepted dispatch. Fields other than status are fixed at
// submit; status is written under the store lock.
type entry[S any] struct {
	id        string
	seq       uint64
	typ       string
	action    action.Action[S]
	status    action.Status
	initial   S
	submitted time.Time

	nonReentrant bool
	reentrantKey any
	fresh        bool
	freshKey     any

	applied bool
	prev    S
	next    S
}

// InFlight describes an action that has been submitted and has not finished.
type InFlight[S any] struct {
	ID     string
	Type   string
	Action action.Action[S]
	Status action.Status
	Since  time.Time
}

// Store owns a state value of type S and replaces it as actions reduce.
// All methods are safe for concurrent use.
//
// Persistor, observers and the observability.Observer run on a single
// notifier goroutine in the order the store produced them, so they may call
// back into the Store. Transform functions and wait predicates run while the
// store lock is held and must not.
type Store[S any] struct {
	name string

	mu            sync.Mutex
	state         S
	revision      uint64
	dispatchCount uint64
	seq           uint64
	inProgress    []*entry[S]
	fresh         map[any]uint64
	failures      map[string]error
	waiters       map[uint64]*waiter[S]
	waiterSeq     uint64
	closed        bool

	waitTimeout     time.Duration
	logStateChanges bool
	retry           action.RetryPolicy

	observer         observability.Observer
	tracer           trace.Tracer
	persistor        Persistor[S]
	presentUserError UserExceptionPresenter
	stateObservers   []StateObserver[S]
	actionObservers  []ActionObserver[S]
	errorObserver    ErrorObserver[S]
	globalWrapError  GlobalWrapError[S]
	unhandled        func(ctx context.Context, err error, a action.Action[S])

	notifier  *notifier
	presenter *notifier
	running   sync.WaitGroup
	metrics   *Metrics
}

// New creates a Store holding initial. A nil cfg uses DefaultConfig; non-zero
// cfg fields override the defaults. Options are applied after the config.
func New[S any](initial S, cfg *Config, opts ...Option[S]) (*Store[S], error) {
	c := DefaultConfig()
	if cfg != nil {
		c.Merge(cfg)
	}

	s := &Store[S]{
		name:            c.Name,
		state:           initial,
		fresh:           make(map[any]uint64),
		failures:        make(map[string]error),
		waiters:         make(map[uint64]*waiter[S]),
		waitTimeout:     c.WaitTimeout,
		logStateChanges: c.LogStateChanges,
		retry:           c.Retry,
		metrics:         NewMetrics(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.observer == nil {
		obs, err := observability.GetObserver(c.Observer)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve observer: %w", err)
		}
		s.observer = obs
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	if s.presentUserError == nil {
		s.presentUserError = s.logUserError
	}

	s.notifier = newNotifier()
	s.presenter = newNotifier()

	s.emit(context.Background(), EventStoreCreate, observability.LevelInfo, map[string]any{
		"wait_timeout":      s.waitTimeout,
		"log_state_changes": s.logStateChanges,
	})

	return s, nil
}

// Name returns the configured store name.
func (s *Store[S]) Name() string {
	return s.name
}

// State returns the current state.
func (s *Store[S]) State() S {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Revision returns the number of state changes applied so far.
func (s *Store[S]) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

// DispatchCount returns the number of dispatches submitted, aborted ones
// included.
func (s *Store[S]) DispatchCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatchCount
}

// IsWaiting reports whether an action of any of the given types is in
// progress. With no types it reports whether any action is in progress.
func (s *Store[S]) IsWaiting(types ...string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(types) == 0 {
		return len(s.inProgress) > 0
	}
	return s.anyInProgressLocked(types)
}

// IsFailed reports whether the last dispatch of any of the given types failed.
func (s *Store[S]) IsFailed(types ...string) bool {
	return s.ExceptionFor(types...) != nil
}

// ExceptionFor returns the recorded failure of the first listed type that has
// one. A failure is cleared when an action of the same type is dispatched.
func (s *Store[S]) ExceptionFor(types ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, typ := range types {
		if err, ok := s.failures[typ]; ok {
			return err
		}
	}
	return nil
}

// ClearExceptionFor forgets recorded failures for the given types.
func (s *Store[S]) ClearExceptionFor(types ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, typ := range types {
		delete(s.failures, typ)
	}
}

// ActionsInProgress returns the in-flight dispatches in submission order.
func (s *Store[S]) ActionsInProgress() []InFlight[S] {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]InFlight[S], 0, len(s.inProgress))
	for _, e := range s.inProgress {
		out = append(out, InFlight[S]{
			ID:     e.id,
			Type:   e.typ,
			Action: e.action,
			Status: e.status,
			Since:  e.submitted,
		})
	}
	return out
}

// Metrics returns a snapshot of the store counters.
func (s *Store[S]) Metrics() MetricsSnapshot {
	return s.metrics.Snapshot()
}

// Flush blocks until every observer, persistor and presenter callback queued
// before the call has run.
func (s *Store[S]) Flush(ctx context.Context) error {
	if err := s.notifier.flush(ctx); err != nil {
		return err
	}
	return s.presenter.flush(ctx)
}

// Shutdown refuses new dispatches, resolves pending waits with ErrClosed,
// waits for running dispatches to finish and drains the callback queues.
func (s *Store[S]) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, w := range s.waiters {
		w.resolve(nil, ErrClosed)
		delete(s.waiters, id)
		s.metrics.RecordWaiter(-1)
	}
	s.mu.Unlock()

	deadline := time.Now().Add(timeout)

	finished := make(chan struct{})
	go func() {
		s.running.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout after %v: dispatches still running", timeout)
	}

	s.emit(context.Background(), EventStoreShutdown, observability.LevelInfo, map[string]any{
		"dispatch_count": s.DispatchCount(),
		"revision":       s.Revision(),
	})

	if err := s.notifier.close(time.Until(deadline)); err != nil {
		return err
	}
	return s.presenter.close(time.Until(deadline))
}

func (s *Store[S]) anyInProgressLocked(types []string) bool {
	for _, e := range s.inProgress {
		if slices.Contains(types, e.typ) {
			return true
		}
	}
	return false
}

// emit queues an event for the observer. Safe to call with the lock held.
func (s *Store[S]) emit(ctx context.Context, typ observability.EventType, level observability.Level, data map[string]any) {
	s.publish(ctx, observability.Event{
		Type:      typ,
		Level:     level,
		Timestamp: time.Now(),
		Source:    s.name,
		Data:      data,
	})
}

// publish records event on the span in ctx, then hands it to the observer on
// the notifier goroutine. Runner events take the same path so observers see
// one ordered stream.
func (s *Store[S]) publish(ctx context.Context, event observability.Event) {
	observability.AddSpanEvent(trace.SpanFromContext(ctx), event)
	s.notifier.enqueue(func() {
		s.observer.OnEvent(ctx, event)
	})
}

func (s *Store[S]) logUserError(ctx context.Context, err *action.UserError) {
	data := map[string]any{"message": err.Msg}
	if err.Reason != "" {
		data["reason"] = err.Reason
	}
	if err.Cause != nil {
		data["cause"] = err.Cause.Error()
	}
	s.observer.OnEvent(ctx, observability.Event{
		Type:      EventUserError,
		Level:     observability.LevelWarning,
		Timestamp: time.Now(),
		Source:    s.name,
		Data:      data,
	})
}
