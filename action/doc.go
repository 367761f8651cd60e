// Package action defines the action contract executed by a statekit store and
// the Runner that drives one action through its lifecycle.
//
// # Lifecycle
//
// Every dispatch runs the same sequence:
//
//	Before → Reduce → apply → After
//
// Before may return a Deferred to suspend; Reduce may return a pending
// Reduction built with Await. A Before failure skips Reduce. After always
// runs exactly once and its failures are logged, never propagated.
//
// # Defining actions
//
// Embed Base to inherit no-op Before, After and WrapError hooks:
//
//	type AddTodo struct {
//	    action.Base[TodoState]
//	    Text string
//	}
//
//	func (a AddTodo) Reduce(ctx context.Context, env action.Env[TodoState]) (action.Reduction[TodoState], error) {
//	    state := env.State()
//	    if slices.Contains(state.Items, a.Text) {
//	        return action.NoChange[TodoState](), action.NewUserError("item already exists")
//	    }
//	    return action.NewState(state.With(a.Text)), nil
//	}
//
// Optional capabilities are expressed as small interfaces: Typed, NonReentrant,
// Fresh, Retrier and Aborter.
//
// # Errors
//
// Failures pass through WrapError on the action, then the store-wide wrap
// hook, then the error observer. Any stage can swallow the error; the Status
// still records the original and wrapped errors. UserError marks failures meant
// for display rather than treatment as bugs.
package action
