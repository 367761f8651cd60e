package observability

import (
	"context"
	"fmt"
	"os"
)

// MultiObserver forwards each event to a fixed list of observers in the order
// they were given. A panicking observer is reported on stderr and skipped so
// the remaining observers still see the event.
type MultiObserver struct {
	observers []Observer
}

// NewMultiObserver drops nil entries and flattens nested MultiObservers.
func NewMultiObserver(observers ...Observer) *MultiObserver {
	m := &MultiObserver{}
	for _, obs := range observers {
		switch o := obs.(type) {
		case nil:
		case *MultiObserver:
			m.observers = append(m.observers, o.observers...)
		default:
			m.observers = append(m.observers, o)
		}
	}
	return m
}

func (m *MultiObserver) OnEvent(ctx context.Context, event Event) {
	for _, obs := range m.observers {
		deliver(ctx, obs, event)
	}
}

// Len reports how many observers receive events.
func (m *MultiObserver) Len() int {
	return len(m.observers)
}

func deliver(ctx context.Context, obs Observer, event Event) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "observability: observer %T panicked on %s: %v\n", obs, event.Type, r)
		}
	}()
	obs.OnEvent(ctx, event)
}
