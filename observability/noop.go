package observability

import "context"

// NoOpObserver drops every event. Registered as "noop".
type NoOpObserver struct{}

func (NoOpObserver) OnEvent(context.Context, Event) {}

// Discard is the shared NoOpObserver value.
var Discard Observer = NoOpObserver{}
