package action

import "github.com/tailored-agentic-units/statekit/observability"

// Runner event types emitted during an action lifecycle.
const (
	EventRunStart       observability.EventType = "action.run.start"
	EventBeforeComplete observability.EventType = "action.before.complete"
	EventReduceComplete observability.EventType = "action.reduce.complete"
	EventReduceRetry    observability.EventType = "action.reduce.retry"
	EventAfterError     observability.EventType = "action.after.error"
	EventErrorSwallowed observability.EventType = "action.error.swallowed"
	EventRunComplete    observability.EventType = "action.run.complete"
)
