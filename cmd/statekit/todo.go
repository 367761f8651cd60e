package main

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/tailored-agentic-units/statekit/action"
)

// TodoState is the demo application state.
type TodoState struct {
	Items []Todo
}

type Todo struct {
	Text string
	Done bool
}

func (s TodoState) index(text string) int {
	return slices.IndexFunc(s.Items, func(t Todo) bool { return t.Text == text })
}

// AddTodo appends an item. Empty and duplicate items are user errors.
type AddTodo struct {
	action.Base[TodoState]
	Text string
}

func (a *AddTodo) Reduce(_ context.Context, env action.Env[TodoState]) (action.Reduction[TodoState], error) {
	text := strings.TrimSpace(a.Text)
	if text == "" {
		return action.NoChange[TodoState](), action.NewUserError("todo text is required")
	}
	if env.State().index(text) >= 0 {
		return action.NoChange[TodoState](), action.NewUserError("item already exists").WithReason(text)
	}

	return action.TransformIf(func(s TodoState) (TodoState, bool) {
		if s.index(text) >= 0 {
			return s, false
		}
		return TodoState{Items: append(slices.Clone(s.Items), Todo{Text: text})}, true
	}), nil
}

// ToggleTodo flips the done flag of an item.
type ToggleTodo struct {
	action.Base[TodoState]
	Text string
}

func (a *ToggleTodo) Reduce(_ context.Context, env action.Env[TodoState]) (action.Reduction[TodoState], error) {
	if env.State().index(a.Text) < 0 {
		return action.NoChange[TodoState](), action.NewUserError("no such item").WithReason(a.Text)
	}

	return action.TransformIf(func(s TodoState) (TodoState, bool) {
		i := s.index(a.Text)
		if i < 0 {
			return s, false
		}
		items := slices.Clone(s.Items)
		items[i].Done = !items[i].Done
		return TodoState{Items: items}, true
	}), nil
}

// RemoveTodo deletes an item. Removing a missing item is no change.
type RemoveTodo struct {
	action.Base[TodoState]
	Text string
}

func (a *RemoveTodo) Reduce(_ context.Context, env action.Env[TodoState]) (action.Reduction[TodoState], error) {
	if env.State().index(a.Text) < 0 {
		return action.NoChange[TodoState](), nil
	}

	return action.TransformIf(func(s TodoState) (TodoState, bool) {
		if s.index(a.Text) < 0 {
			return s, false
		}
		return TodoState{Items: slices.DeleteFunc(slices.Clone(s.Items), func(t Todo) bool {
			return t.Text == a.Text
		})}, true
	}), nil
}

// LoadTodos simulates fetching a list from a remote source. Only one load
// runs at a time, a newer load supersedes an older one and failed fetches
// are retried.
type LoadTodos struct {
	action.Base[TodoState]
	Source  []string
	Latency time.Duration
}

func (a *LoadTodos) NonReentrantKey() any { return nil }

func (a *LoadTodos) FreshKey() any { return nil }

func (a *LoadTodos) RetryPolicy() action.RetryPolicy {
	return action.RetryPolicy{MaxRetries: 2}
}

func (a *LoadTodos) Reduce(_ context.Context, _ action.Env[TodoState]) (action.Reduction[TodoState], error) {
	return action.Await(func(ctx context.Context) (action.Reduction[TodoState], error) {
		select {
		case <-time.After(a.Latency):
		case <-ctx.Done():
			return action.NoChange[TodoState](), fmt.Errorf("load todos: %w", ctx.Err())
		}

		return action.Transform(func(s TodoState) TodoState {
			items := slices.Clone(s.Items)
			for _, text := range a.Source {
				if s.index(text) < 0 {
					items = append(items, Todo{Text: text})
				}
			}
			return TodoState{Items: items}
		}), nil
	}), nil
}

func projectTodos(s TodoState) (map[string]any, error) {
	items := make([]any, 0, len(s.Items))
	for _, t := range s.Items {
		items = append(items, map[string]any{"text": t.Text, "done": t.Done})
	}
	return map[string]any{"items": items}, nil
}
