package store_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tailored-agentic-units/statekit/action"
	"github.com/tailored-agentic-units/statekit/observability"
	"github.com/tailored-agentic-units/statekit/store"
)

type counter struct {
	N int
}

type todoState struct {
	Items []string
}

// addTodo appends an item and refuses duplicates with a user error.
type addTodo struct {
	action.Base[todoState]
	text string
}

func (a *addTodo) Reduce(ctx context.Context, env action.Env[todoState]) (action.Reduction[todoState], error) {
	st := env.State()
	if slices.Contains(st.Items, a.text) {
		return action.NoChange[todoState](), action.NewUserError("item already exists").WithReason(a.text)
	}
	items := append(slices.Clone(st.Items), a.text)
	return action.NewState(todoState{Items: items}), nil
}

// hookAction records hook calls and delegates to optional funcs.
type hookAction struct {
	name   string
	before func(ctx context.Context, env action.Env[counter]) (action.Deferred, error)
	reduce func(ctx context.Context, env action.Env[counter]) (action.Reduction[counter], error)
	after  func() error
	wrap   func(error) error

	beforeCalls atomic.Int32
	reduceCalls atomic.Int32
	afterCalls  atomic.Int32
}

func (a *hookAction) ActionType() string {
	if a.name == "" {
		return "hook"
	}
	return a.name
}

func (a *hookAction) Before(ctx context.Context, env action.Env[counter]) (action.Deferred, error) {
	a.beforeCalls.Add(1)
	if a.before != nil {
		return a.before(ctx, env)
	}
	return nil, nil
}

func (a *hookAction) Reduce(ctx context.Context, env action.Env[counter]) (action.Reduction[counter], error) {
	a.reduceCalls.Add(1)
	if a.reduce != nil {
		return a.reduce(ctx, env)
	}
	return action.NoChange[counter](), nil
}

func (a *hookAction) After(ctx context.Context, env action.Env[counter]) error {
	a.afterCalls.Add(1)
	if a.after != nil {
		return a.after()
	}
	return nil
}

func (a *hookAction) WrapError(err error) error {
	if a.wrap != nil {
		return a.wrap(err)
	}
	return nil
}

type exclusiveAction struct{ *hookAction }

func (exclusiveAction) NonReentrantKey() any { return nil }

type freshAction struct{ *hookAction }

func (freshAction) FreshKey() any { return nil }

type retryAction struct {
	*hookAction
	policy action.RetryPolicy
}

func (a retryAction) RetryPolicy() action.RetryPolicy { return a.policy }

type abortingAction struct {
	*hookAction
	abort func(s counter) bool
}

func (a abortingAction) AbortDispatch(env action.Env[counter]) bool {
	return a.abort(env.State())
}

var errBoom = errors.New("boom")

func inc(name string) *hookAction {
	return &hookAction{
		name: name,
		reduce: func(context.Context, action.Env[counter]) (action.Reduction[counter], error) {
			return action.Transform(func(c counter) counter {
				c.N++
				return c
			}), nil
		},
	}
}

func set(name string, n int) *hookAction {
	return &hookAction{
		name: name,
		reduce: func(context.Context, action.Env[counter]) (action.Reduction[counter], error) {
			return action.NewState(counter{N: n}), nil
		},
	}
}

// blocking returns an action whose Reduce signals started, then waits for
// release before incrementing.
func blocking(name string, started chan<- struct{}, release <-chan struct{}) *hookAction {
	return &hookAction{
		name: name,
		reduce: func(ctx context.Context, _ action.Env[counter]) (action.Reduction[counter], error) {
			return action.Await(func(ctx context.Context) (action.Reduction[counter], error) {
				started <- struct{}{}
				<-release
				return action.Transform(func(c counter) counter {
					c.N++
					return c
				}), nil
			}), nil
		},
	}
}

func newCounterStore(t *testing.T, opts ...store.Option[counter]) *store.Store[counter] {
	t.Helper()
	s, err := store.New(counter{}, &store.Config{Name: "test", Observer: "noop"}, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		if err := s.Shutdown(5 * time.Second); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	if !eventually(cond) {
		t.Fatalf("timed out waiting for %s", what)
	}
}

// eventually polls cond for up to two seconds. Safe to call from any goroutine.
func eventually(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
	return true
}

func receive(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal")
	}
}

type captureObserver struct {
	mu     sync.Mutex
	events []observability.Event
}

func (c *captureObserver) OnEvent(ctx context.Context, event observability.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureObserver) byType(typ observability.EventType) []observability.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []observability.Event
	for _, e := range c.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (c *captureObserver) types() []observability.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]observability.EventType, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}
