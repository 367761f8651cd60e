package store_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/tailored-agentic-units/statekit/action"
	"github.com/tailored-agentic-units/statekit/observability"
	"github.com/tailored-agentic-units/statekit/store"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNew_Defaults(t *testing.T) {
	s, err := store.New(counter{N: 7}, nil, store.WithObserver[counter](observability.NoOpObserver{}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Shutdown(time.Second)

	if s.Name() != "default" {
		t.Errorf("Name() = %q, want %q", s.Name(), "default")
	}
	if s.State().N != 7 {
		t.Errorf("State().N = %d, want 7", s.State().N)
	}
	if s.Revision() != 0 {
		t.Errorf("Revision() = %d, want 0", s.Revision())
	}
}

func TestNew_UnknownObserver(t *testing.T) {
	_, err := store.New(counter{}, &store.Config{Observer: "missing"})
	if err == nil {
		t.Fatal("New() should fail for an unknown observer")
	}
}

func TestStore_TodoScenario(t *testing.T) {
	presented := make(chan *action.UserError, 1)
	s, err := store.New(todoState{}, &store.Config{Observer: "noop"},
		store.WithUserExceptionPresenter[todoState](func(ctx context.Context, err *action.UserError) {
			presented <- err
		}),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Shutdown(time.Second)

	ctx := context.Background()

	status, err := s.DispatchAndWait(ctx, &addTodo{text: "x"})
	if err != nil {
		t.Fatalf("first DispatchAndWait() error = %v", err)
	}
	if !status.IsCompletedOk() {
		t.Errorf("first status phase = %v, want completed ok", status.Phase())
	}
	if got := s.State().Items; !slices.Equal(got, []string{"x"}) {
		t.Fatalf("Items = %v, want [x]", got)
	}

	status, err = s.DispatchAndWait(ctx, &addTodo{text: "x"})
	if err != nil {
		t.Errorf("user errors should not be returned, got %v", err)
	}
	if !status.IsCompletedFailed() {
		t.Error("duplicate add should complete failed")
	}

	userErr, ok := action.AsUserError(status.OriginalError())
	if !ok {
		t.Fatalf("OriginalError() = %v, want *action.UserError", status.OriginalError())
	}
	if userErr.Msg != "item already exists" || userErr.Reason != "x" {
		t.Errorf("user error = %+v", userErr)
	}

	select {
	case got := <-presented:
		if got.Msg != userErr.Msg {
			t.Errorf("presented %q, want %q", got.Msg, userErr.Msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("user error was not presented")
	}

	if !s.IsFailed("addTodo") {
		t.Error("IsFailed(addTodo) = false, want true")
	}
	if got := s.ExceptionFor("addTodo"); !errors.Is(got, userErr) {
		t.Errorf("ExceptionFor() = %v", got)
	}
	if got := s.State().Items; !slices.Equal(got, []string{"x"}) {
		t.Errorf("Items after duplicate = %v, want [x]", got)
	}

	s.ClearExceptionFor("addTodo")
	if s.IsFailed("addTodo") {
		t.Error("IsFailed() after ClearExceptionFor should be false")
	}
}

func TestStore_DispatchClearsFailure(t *testing.T) {
	s := newCounterStore(t)
	ctx := context.Background()

	failing := &hookAction{
		name: "load",
		reduce: func(context.Context, action.Env[counter]) (action.Reduction[counter], error) {
			return action.NoChange[counter](), errBoom
		},
	}
	if _, err := s.DispatchAndWait(ctx, failing); !errors.Is(err, errBoom) {
		t.Fatalf("DispatchAndWait() error = %v, want errBoom", err)
	}
	if !s.IsFailed("load") {
		t.Fatal("IsFailed(load) = false after failure")
	}

	if _, err := s.DispatchAndWait(ctx, set("load", 1)); err != nil {
		t.Fatalf("DispatchAndWait() error = %v", err)
	}
	if s.IsFailed("load") {
		t.Error("dispatching load again should clear its failure")
	}
}

func TestStore_AfterRunsExactlyOnce(t *testing.T) {
	tests := []struct {
		name       string
		action     *hookAction
		wantFailed bool
	}{
		{
			name:   "success",
			action: inc("ok"),
		},
		{
			name: "before fails",
			action: &hookAction{
				before: func(context.Context, action.Env[counter]) (action.Deferred, error) {
					return nil, errBoom
				},
			},
			wantFailed: true,
		},
		{
			name: "reduce fails",
			action: &hookAction{
				reduce: func(context.Context, action.Env[counter]) (action.Reduction[counter], error) {
					return action.NoChange[counter](), errBoom
				},
			},
			wantFailed: true,
		},
		{
			name: "reduce panics",
			action: &hookAction{
				reduce: func(context.Context, action.Env[counter]) (action.Reduction[counter], error) {
					panic("reduce exploded")
				},
			},
			wantFailed: true,
		},
		{
			name: "after fails",
			action: &hookAction{
				after: func() error { return errBoom },
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newCounterStore(t)

			status, _ := s.DispatchAndWait(context.Background(), tt.action)

			if got := tt.action.afterCalls.Load(); got != 1 {
				t.Errorf("After calls = %d, want 1", got)
			}
			if !status.IsCompleted() || !status.HasFinishedAfter() {
				t.Errorf("status not completed: phase %v", status.Phase())
			}
			if status.IsCompletedFailed() != tt.wantFailed {
				t.Errorf("IsCompletedFailed() = %v, want %v", status.IsCompletedFailed(), tt.wantFailed)
			}
		})
	}
}

func TestStore_BeforeFailureSkipsReduce(t *testing.T) {
	s := newCounterStore(t)

	a := &hookAction{
		before: func(context.Context, action.Env[counter]) (action.Deferred, error) {
			return func(context.Context) error { return errBoom }, nil
		},
		reduce: func(context.Context, action.Env[counter]) (action.Reduction[counter], error) {
			return action.NewState(counter{N: 99}), nil
		},
	}

	status, err := s.DispatchAndWait(context.Background(), a)
	if !errors.Is(err, errBoom) {
		t.Errorf("error = %v, want errBoom", err)
	}
	if got := a.reduceCalls.Load(); got != 0 {
		t.Errorf("Reduce calls = %d, want 0", got)
	}
	if !status.IsCompletedFailed() {
		t.Error("IsCompletedFailed() = false, want true")
	}
	if status.HasFinishedReduce() {
		t.Error("HasFinishedReduce() = true after Before failed")
	}
	if s.State().N != 0 {
		t.Errorf("state changed to %d", s.State().N)
	}
}

func TestStore_AsyncReduceTransformAppliesToCurrentState(t *testing.T) {
	s := newCounterStore(t)
	ctx := context.Background()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	slow := blocking("slow", started, release)

	s.Dispatch(ctx, slow)
	receive(t, started)

	if !s.IsWaiting("slow") {
		t.Error("IsWaiting(slow) = false while reduce is suspended")
	}

	if _, err := s.DispatchAndWait(ctx, set("set", 10)); err != nil {
		t.Fatalf("DispatchAndWait() error = %v", err)
	}

	close(release)
	if err := s.WaitAllActions(ctx, nil); err != nil {
		t.Fatalf("WaitAllActions() error = %v", err)
	}

	if got := s.State().N; got != 11 {
		t.Errorf("State().N = %d, want 11", got)
	}
	if got := s.Revision(); got != 2 {
		t.Errorf("Revision() = %d, want 2", got)
	}
}

func TestStore_ErrorObserverSwallows(t *testing.T) {
	var seen []error
	var mu sync.Mutex

	s := newCounterStore(t, store.WithErrorObserver[counter](func(ctx context.Context, err error, a action.Action[counter], s *store.Store[counter]) bool {
		mu.Lock()
		seen = append(seen, err)
		mu.Unlock()
		return false
	}))

	a := &hookAction{
		reduce: func(context.Context, action.Env[counter]) (action.Reduction[counter], error) {
			return action.NoChange[counter](), errBoom
		},
	}

	status, err := s.DispatchAndWait(context.Background(), a)
	if err != nil {
		t.Errorf("DispatchAndWait() error = %v, want nil", err)
	}
	if !status.IsCompletedFailed() {
		t.Error("IsCompletedFailed() = false, want true")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || !errors.Is(seen[0], errBoom) {
		t.Errorf("error observer saw %v", seen)
	}
}

func TestStore_WrapErrorChain(t *testing.T) {
	errWrapped := errors.New("wrapped")
	errGlobal := errors.New("global")

	tests := []struct {
		name        string
		wrap        func(error) error
		global      store.GlobalWrapError[counter]
		wantErr     error
		wantWrapped error
	}{
		{
			name:    "nil keeps original",
			wrap:    func(error) error { return nil },
			wantErr: errBoom,
		},
		{
			name:        "action replaces",
			wrap:        func(err error) error { return fmt.Errorf("%w: %w", errWrapped, err) },
			wantErr:     errWrapped,
			wantWrapped: errWrapped,
		},
		{
			name:    "action swallows",
			wrap:    func(error) error { return action.ErrSwallow },
			wantErr: nil,
		},
		{
			name: "global replaces after action",
			wrap: func(err error) error { return fmt.Errorf("%w: %w", errWrapped, err) },
			global: func(err error, a action.Action[counter]) error {
				return fmt.Errorf("%w: %w", errGlobal, err)
			},
			wantErr:     errGlobal,
			wantWrapped: errGlobal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []store.Option[counter]
			if tt.global != nil {
				opts = append(opts, store.WithGlobalWrapError(tt.global))
			}
			s := newCounterStore(t, opts...)

			a := &hookAction{
				wrap: tt.wrap,
				reduce: func(context.Context, action.Env[counter]) (action.Reduction[counter], error) {
					return action.NoChange[counter](), errBoom
				},
			}

			status, err := s.DispatchAndWait(context.Background(), a)

			if tt.wantErr == nil && err != nil {
				t.Errorf("error = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if !errors.Is(status.OriginalError(), errBoom) {
				t.Errorf("OriginalError() = %v, want errBoom", status.OriginalError())
			}
			if tt.wantWrapped == nil && status.WrappedError() != nil {
				t.Errorf("WrappedError() = %v, want nil", status.WrappedError())
			}
			if tt.wantWrapped != nil && !errors.Is(status.WrappedError(), tt.wantWrapped) {
				t.Errorf("WrappedError() = %v, want %v", status.WrappedError(), tt.wantWrapped)
			}
			if !status.IsCompletedFailed() {
				t.Error("IsCompletedFailed() = false, want true")
			}
		})
	}
}

func TestStore_NonReentrant(t *testing.T) {
	s := newCounterStore(t)
	ctx := context.Background()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	first := exclusiveAction{blocking("exclusive", started, release)}

	s.Dispatch(ctx, first)
	receive(t, started)

	second := exclusiveAction{inc("exclusive")}
	status, err := s.DispatchAndWait(ctx, second)
	if err != nil {
		t.Fatalf("DispatchAndWait() error = %v", err)
	}
	if !status.IsDispatchAborted() {
		t.Errorf("second dispatch phase = %v, want aborted", status.Phase())
	}
	if status.IsCompleted() {
		t.Error("aborted dispatch should not report completed")
	}
	if second.beforeCalls.Load() != 0 || second.reduceCalls.Load() != 0 || second.afterCalls.Load() != 0 {
		t.Error("no hook should run for an aborted dispatch")
	}

	close(release)
	if err := s.WaitAllActions(ctx, []action.Action[counter]{first}); err != nil {
		t.Fatalf("WaitAllActions() error = %v", err)
	}

	if got := s.State().N; got != 1 {
		t.Errorf("State().N = %d, want 1", got)
	}
	if got := s.Metrics().Aborted; got != 1 {
		t.Errorf("Metrics().Aborted = %d, want 1", got)
	}

	// Once the first finishes the key is free again.
	status, err = s.DispatchAndWait(ctx, exclusiveAction{inc("exclusive")})
	if err != nil || !status.IsCompletedOk() {
		t.Errorf("third dispatch = %v, %v", status.Phase(), err)
	}
}

func TestStore_AbortDispatch(t *testing.T) {
	s := newCounterStore(t)
	ctx := context.Background()

	a := abortingAction{
		hookAction: inc("capped"),
		abort:      func(c counter) bool { return c.N >= 1 },
	}

	if _, err := s.DispatchAndWait(ctx, a); err != nil {
		t.Fatalf("DispatchAndWait() error = %v", err)
	}

	status, err := s.DispatchAndWait(ctx, a)
	if err != nil {
		t.Fatalf("DispatchAndWait() error = %v", err)
	}
	if !status.IsDispatchAborted() {
		t.Errorf("phase = %v, want aborted", status.Phase())
	}
	if got := s.State().N; got != 1 {
		t.Errorf("State().N = %d, want 1", got)
	}
	if got := s.DispatchCount(); got != 2 {
		t.Errorf("DispatchCount() = %d, want 2", got)
	}
}

func TestStore_FreshDiscardsSupersededResult(t *testing.T) {
	s := newCounterStore(t)
	ctx := context.Background()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	stale := freshAction{&hookAction{
		name: "load",
		reduce: func(context.Context, action.Env[counter]) (action.Reduction[counter], error) {
			return action.Await(func(context.Context) (action.Reduction[counter], error) {
				started <- struct{}{}
				<-release
				return action.NewState(counter{N: 1}), nil
			}), nil
		},
	}}

	s.Dispatch(ctx, stale)
	receive(t, started)

	if _, err := s.DispatchAndWait(ctx, freshAction{set("load", 2)}); err != nil {
		t.Fatalf("DispatchAndWait() error = %v", err)
	}

	close(release)
	if err := s.WaitAllActions(ctx, nil); err != nil {
		t.Fatalf("WaitAllActions() error = %v", err)
	}

	if got := s.State().N; got != 2 {
		t.Errorf("State().N = %d, want 2", got)
	}
	if got := s.Revision(); got != 1 {
		t.Errorf("Revision() = %d, want 1", got)
	}
}

func TestStore_DispatchSyncRejectsSuspension(t *testing.T) {
	s := newCounterStore(t)
	ctx := context.Background()

	status, err := s.DispatchSync(ctx, inc("inc"))
	if err != nil || !status.IsCompletedOk() {
		t.Fatalf("DispatchSync(inc) = %v, %v", status.Phase(), err)
	}

	suspending := &hookAction{
		reduce: func(context.Context, action.Env[counter]) (action.Reduction[counter], error) {
			return action.Await(func(context.Context) (action.Reduction[counter], error) {
				return action.NewState(counter{N: 50}), nil
			}), nil
		},
	}

	status, err = s.DispatchSync(ctx, suspending)
	if !errors.Is(err, action.ErrSyncSuspended) {
		t.Errorf("error = %v, want ErrSyncSuspended", err)
	}
	if !status.IsCompletedFailed() {
		t.Error("IsCompletedFailed() = false, want true")
	}
	if got := s.State().N; got != 1 {
		t.Errorf("State().N = %d, want 1", got)
	}
}

func TestStore_RetrierRetriesReduce(t *testing.T) {
	s := newCounterStore(t)

	attempts := 0
	a := retryAction{
		hookAction: &hookAction{
			reduce: func(context.Context, action.Env[counter]) (action.Reduction[counter], error) {
				attempts++
				if attempts < 3 {
					return action.NoChange[counter](), errBoom
				}
				return action.NewState(counter{N: attempts}), nil
			},
		},
		policy: action.RetryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}

	status, err := s.DispatchAndWait(context.Background(), a)
	if err != nil {
		t.Fatalf("DispatchAndWait() error = %v", err)
	}
	if !status.IsCompletedOk() {
		t.Errorf("phase = %v, want completed ok", status.Phase())
	}
	if got := a.beforeCalls.Load(); got != 1 {
		t.Errorf("Before calls = %d, want 1", got)
	}
	if s.State().N != 3 {
		t.Errorf("State().N = %d, want 3", s.State().N)
	}
}

func TestStore_DispatchAndWaitAll(t *testing.T) {
	s := newCounterStore(t)

	failing := &hookAction{
		name: "failing",
		reduce: func(context.Context, action.Env[counter]) (action.Reduction[counter], error) {
			return action.NoChange[counter](), errBoom
		},
	}

	statuses, err := s.DispatchAndWaitAll(context.Background(), inc("a"), failing, inc("b"))
	if !errors.Is(err, errBoom) {
		t.Errorf("error = %v, want errBoom", err)
	}
	if len(statuses) != 3 {
		t.Fatalf("len(statuses) = %d, want 3", len(statuses))
	}
	if !statuses[0].IsCompletedOk() || !statuses[1].IsCompletedFailed() || !statuses[2].IsCompletedOk() {
		t.Errorf("statuses out of order: %v %v %v", statuses[0].Phase(), statuses[1].Phase(), statuses[2].Phase())
	}
	if s.State().N != 2 {
		t.Errorf("State().N = %d, want 2", s.State().N)
	}
}

func TestStore_DispatchAll(t *testing.T) {
	s := newCounterStore(t)
	ctx := context.Background()

	s.DispatchAll(ctx, inc("a"), inc("a"), inc("b"))
	if err := s.WaitAllActionTypes(ctx, []string{"a", "b"}); err != nil {
		t.Fatalf("WaitAllActionTypes() error = %v", err)
	}

	if s.State().N != 3 {
		t.Errorf("State().N = %d, want 3", s.State().N)
	}
	if s.IsWaiting() {
		t.Error("IsWaiting() = true after all actions finished")
	}
}

func TestStore_UnhandledError(t *testing.T) {
	got := make(chan error, 1)
	obs := &captureObserver{}
	s := newCounterStore(t,
		store.WithObserver[counter](obs),
		store.WithUnhandledError[counter](func(ctx context.Context, err error, a action.Action[counter]) {
			got <- err
		}),
	)

	s.Dispatch(context.Background(), &hookAction{
		reduce: func(context.Context, action.Env[counter]) (action.Reduction[counter], error) {
			return action.NoChange[counter](), errBoom
		},
	})

	select {
	case err := <-got:
		if !errors.Is(err, errBoom) {
			t.Errorf("unhandled error = %v, want errBoom", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("unhandled error hook not called")
	}

	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	events := obs.byType(store.EventUnhandledError)
	if len(events) != 1 || events[0].Level != observability.LevelError {
		t.Errorf("unhandled events = %+v", events)
	}
}

func TestStore_ObserversRunInApplyOrder(t *testing.T) {
	var (
		mu        sync.Mutex
		persisted []int
		changes   []store.StateChange[counter]
		lifecycle []string
	)

	s := newCounterStore(t,
		store.WithPersistor[counter](store.PersistorFunc[counter](func(ctx context.Context, last, next counter) error {
			mu.Lock()
			defer mu.Unlock()
			persisted = append(persisted, next.N)
			return nil
		})),
		store.WithStateObserver[counter](func(ctx context.Context, change store.StateChange[counter]) {
			mu.Lock()
			defer mu.Unlock()
			changes = append(changes, change)
		}),
		store.WithActionObserver[counter](func(ctx context.Context, a action.Action[counter], ini bool, status action.Status) {
			mu.Lock()
			defer mu.Unlock()
			lifecycle = append(lifecycle, fmt.Sprintf("%s:%v", action.TypeOf(a), ini))
		}),
	)

	ctx := context.Background()
	for range 3 {
		if _, err := s.DispatchAndWait(ctx, inc("inc")); err != nil {
			t.Fatalf("DispatchAndWait() error = %v", err)
		}
	}
	if _, err := s.DispatchAndWait(ctx, &hookAction{name: "noop"}); err != nil {
		t.Fatalf("DispatchAndWait() error = %v", err)
	}

	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()

	if !slices.Equal(persisted, []int{1, 2, 3}) {
		t.Errorf("persisted = %v, want [1 2 3]", persisted)
	}
	if len(changes) != 4 {
		t.Fatalf("state observer calls = %d, want 4", len(changes))
	}
	for i, c := range changes[:3] {
		if c.Prev.N != i || c.Next.N != i+1 {
			t.Errorf("change %d: prev %d next %d", i, c.Prev.N, c.Next.N)
		}
		if c.DispatchCount != uint64(i+1) {
			t.Errorf("change %d: DispatchCount = %d", i, c.DispatchCount)
		}
	}
	if last := changes[3]; last.Prev.N != 3 || last.Next.N != 3 {
		t.Errorf("no-change dispatch reported prev %d next %d", last.Prev.N, last.Next.N)
	}

	wantLifecycle := []string{
		"inc:true", "inc:false",
		"inc:true", "inc:false",
		"inc:true", "inc:false",
		"noop:true", "noop:false",
	}
	if !slices.Equal(lifecycle, wantLifecycle) {
		t.Errorf("action observer = %v, want %v", lifecycle, wantLifecycle)
	}
}

func TestStore_PersistErrorIsReported(t *testing.T) {
	obs := &captureObserver{}
	s := newCounterStore(t,
		store.WithObserver[counter](obs),
		store.WithPersistor[counter](store.PersistorFunc[counter](func(context.Context, counter, counter) error {
			return errBoom
		})),
	)

	ctx := context.Background()
	if _, err := s.DispatchAndWait(ctx, inc("inc")); err != nil {
		t.Fatalf("DispatchAndWait() error = %v", err)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	if got := obs.byType(store.EventPersistError); len(got) != 1 {
		t.Errorf("persist error events = %d, want 1", len(got))
	}
}

func TestStore_LogStateChangesLevel(t *testing.T) {
	tests := []struct {
		name string
		log  bool
		want observability.Level
	}{
		{"verbose by default", false, observability.LevelVerbose},
		{"info when enabled", true, observability.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := &captureObserver{}
			s, err := store.New(counter{}, &store.Config{LogStateChanges: tt.log}, store.WithObserver[counter](obs))
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			defer s.Shutdown(time.Second)

			ctx := context.Background()
			if _, err := s.DispatchAndWait(ctx, inc("inc")); err != nil {
				t.Fatalf("DispatchAndWait() error = %v", err)
			}
			if err := s.Flush(ctx); err != nil {
				t.Fatalf("Flush() error = %v", err)
			}

			events := obs.byType(store.EventStateChange)
			if len(events) != 1 {
				t.Fatalf("state change events = %d, want 1", len(events))
			}
			if events[0].Level != tt.want {
				t.Errorf("level = %v, want %v", events[0].Level, tt.want)
			}
			if events[0].Data["revision"] != uint64(1) {
				t.Errorf("revision = %v, want 1", events[0].Data["revision"])
			}
		})
	}
}

func TestStore_DispatchSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	s := newCounterStore(t, store.WithTracer[counter](tp.Tracer("test")))

	if _, err := s.DispatchAndWait(context.Background(), inc("inc")); err != nil {
		t.Fatalf("DispatchAndWait() error = %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	if spans[0].Name() != "statekit.dispatch inc" {
		t.Errorf("span name = %q", spans[0].Name())
	}

	want := attribute.String("statekit.outcome", "new_state")
	if !slices.Contains(spans[0].Attributes(), want) {
		t.Errorf("span attributes %v missing %v", spans[0].Attributes(), want)
	}

	var names []string
	for _, ev := range spans[0].Events() {
		names = append(names, ev.Name)
	}
	for _, name := range []string{
		string(action.EventRunStart),
		string(store.EventStateChange),
		string(action.EventRunComplete),
		string(store.EventActionComplete),
	} {
		if !slices.Contains(names, name) {
			t.Errorf("span events %v missing %s", names, name)
		}
	}
}

func TestStore_EventsShareOneOrderedStream(t *testing.T) {
	obs := &captureObserver{}
	s := newCounterStore(t, store.WithObserver[counter](obs))
	ctx := context.Background()

	for range 5 {
		if _, err := s.DispatchAndWait(ctx, inc("inc")); err != nil {
			t.Fatalf("DispatchAndWait() error = %v", err)
		}
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	var got []observability.EventType
	for _, typ := range obs.types() {
		if typ != store.EventStoreCreate {
			got = append(got, typ)
		}
	}

	cycle := []observability.EventType{
		store.EventDispatch,
		action.EventRunStart,
		action.EventBeforeComplete,
		store.EventStateChange,
		action.EventReduceComplete,
		action.EventRunComplete,
		store.EventActionComplete,
	}
	var want []observability.EventType
	for range 5 {
		want = append(want, cycle...)
	}

	if !slices.Equal(got, want) {
		t.Errorf("event order =\n%v\nwant\n%v", got, want)
	}
}

func TestStore_ActionsInProgress(t *testing.T) {
	s := newCounterStore(t)
	ctx := context.Background()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	slow := blocking("slow", started, release)

	s.Dispatch(ctx, slow)
	receive(t, started)

	inFlight := s.ActionsInProgress()
	if len(inFlight) != 1 {
		t.Fatalf("len(ActionsInProgress()) = %d, want 1", len(inFlight))
	}
	if inFlight[0].Type != "slow" || inFlight[0].ID == "" {
		t.Errorf("in flight = %+v", inFlight[0])
	}
	if inFlight[0].Status.Phase() != action.PhaseReduceRunning {
		t.Errorf("phase = %v, want reduce_running", inFlight[0].Status.Phase())
	}
	if got := s.Metrics().InProgress; got != 1 {
		t.Errorf("Metrics().InProgress = %d, want 1", got)
	}

	close(release)
	if err := s.WaitAllActions(ctx, nil); err != nil {
		t.Fatalf("WaitAllActions() error = %v", err)
	}

	m := s.Metrics()
	if m.Dispatched != 1 || m.Completed != 1 || m.InProgress != 0 || m.StateChanges != 1 {
		t.Errorf("Metrics() = %+v", m)
	}
}

func TestStore_Shutdown(t *testing.T) {
	s, err := store.New(counter{}, &store.Config{Observer: "noop"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	waitErr := make(chan error, 1)
	go func() {
		_, err := s.WaitCondition(ctx, func(c counter) bool { return c.N > 100 }, store.WithTimeout(0))
		waitErr <- err
	}()
	waitFor(t, "waiter registration", func() bool { return s.Metrics().Waiters == 1 })

	if err := s.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	select {
	case err := <-waitErr:
		if !errors.Is(err, store.ErrClosed) {
			t.Errorf("pending wait error = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending wait not resolved by Shutdown")
	}

	if _, err := s.DispatchAndWait(ctx, inc("inc")); !errors.Is(err, store.ErrClosed) {
		t.Errorf("DispatchAndWait() after Shutdown error = %v, want ErrClosed", err)
	}
	if err := s.Shutdown(time.Second); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func TestStore_NilAction(t *testing.T) {
	s := newCounterStore(t)

	if _, err := s.DispatchAndWait(context.Background(), nil); !errors.Is(err, store.ErrNilAction) {
		t.Errorf("error = %v, want ErrNilAction", err)
	}
}

func TestStore_EnvDispatchAndWait(t *testing.T) {
	s := newCounterStore(t)

	parent := &hookAction{
		name: "parent",
		before: func(ctx context.Context, env action.Env[counter]) (action.Deferred, error) {
			_, err := env.DispatchAndWait(ctx, set("child", 5))
			return nil, err
		},
		reduce: func(_ context.Context, env action.Env[counter]) (action.Reduction[counter], error) {
			if env.InitialState().N != 0 {
				return action.NoChange[counter](), fmt.Errorf("initial state = %d", env.InitialState().N)
			}
			return action.NewState(counter{N: env.State().N * 2}), nil
		},
	}

	if _, err := s.DispatchAndWait(context.Background(), parent); err != nil {
		t.Fatalf("DispatchAndWait() error = %v", err)
	}
	if got := s.State().N; got != 10 {
		t.Errorf("State().N = %d, want 10", got)
	}
}

type sliceKeyExclusive struct{ *hookAction }

func (sliceKeyExclusive) NonReentrantKey() any { return []string{"a"} }

type nestedKeyFresh struct{ *hookAction }

func (nestedKeyFresh) FreshKey() any {
	return struct{ inner any }{inner: map[string]int{}}
}

func TestStore_RejectsIncomparableKeys(t *testing.T) {
	tests := []struct {
		name string
		a    action.Action[counter]
	}{
		{"slice non-reentrant key", sliceKeyExclusive{inc("exclusive")}},
		{"map inside fresh key", nestedKeyFresh{inc("fresh")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newCounterStore(t)

			_, err := s.DispatchAndWait(context.Background(), tt.a)
			if !errors.Is(err, store.ErrInvalidKey) {
				t.Fatalf("DispatchAndWait() error = %v, want ErrInvalidKey", err)
			}
			if s.DispatchCount() != 0 || s.IsWaiting() || s.State().N != 0 {
				t.Errorf("store changed: count=%d waiting=%v state=%d", s.DispatchCount(), s.IsWaiting(), s.State().N)
			}
		})
	}
}
