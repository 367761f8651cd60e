package store

import "github.com/tailored-agentic-units/statekit/observability"

// Store event types.
const (
	EventStoreCreate     observability.EventType = "store.create"
	EventStoreShutdown   observability.EventType = "store.shutdown"
	EventDispatch        observability.EventType = "store.dispatch"
	EventDispatchAborted observability.EventType = "store.dispatch.aborted"
	EventActionComplete  observability.EventType = "store.action.complete"
	EventStateChange     observability.EventType = "store.state.change"
	EventStaleDiscarded  observability.EventType = "store.stale.discarded"
	EventPersistError    observability.EventType = "store.persist.error"
	EventUserError       observability.EventType = "store.error.user"
	EventUnhandledError  observability.EventType = "store.error.unhandled"
	EventWaitTimeout     observability.EventType = "store.wait.timeout"
)
