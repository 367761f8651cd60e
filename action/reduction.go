package action

import "context"

type reductionKind uint8

const (
	kindNoChange reductionKind = iota
	kindState
	kindTransform
	kindPending
)

// Reduction is the product of Reduce. It is one of: no change, a replacement
// state, a transform applied to the state current at apply time, or a pending
// computation that yields another Reduction.
//
// The zero value means no change.
type Reduction[S any] struct {
	kind      reductionKind
	state     S
	transform func(S) (S, bool)
	pending   func(ctx context.Context) (Reduction[S], error)
}

// NoChange leaves the store state untouched.
func NoChange[S any]() Reduction[S] {
	return Reduction[S]{}
}

// NewState replaces the store state with s.
func NewState[S any](s S) Reduction[S] {
	return Reduction[S]{kind: kindState, state: s}
}

// Transform applies fn to the state current when the store applies the
// result. A nil fn is no change.
func Transform[S any](fn func(S) S) Reduction[S] {
	if fn == nil {
		return NoChange[S]()
	}
	return Reduction[S]{kind: kindTransform, transform: func(s S) (S, bool) {
		return fn(s), true
	}}
}

// TransformIf is Transform for updates that may turn out to be unnecessary
// against the state current at apply time. When fn reports false the store
// state is left untouched.
func TransformIf[S any](fn func(S) (S, bool)) Reduction[S] {
	if fn == nil {
		return NoChange[S]()
	}
	return Reduction[S]{kind: kindTransform, transform: fn}
}

// Await suspends the reduction until fn returns. The runner awaits fn on the
// dispatching goroutine and continues with the Reduction it yields.
func Await[S any](fn func(ctx context.Context) (Reduction[S], error)) Reduction[S] {
	if fn == nil {
		return NoChange[S]()
	}
	return Reduction[S]{kind: kindPending, pending: fn}
}

// IsNoChange reports whether the reduction leaves state untouched.
func (r Reduction[S]) IsNoChange() bool {
	return r.kind == kindNoChange
}

// IsPending reports whether the reduction must be awaited.
func (r Reduction[S]) IsPending() bool {
	return r.kind == kindPending
}

// Resolve awaits one level of a pending reduction. Non-pending reductions
// return themselves.
func (r Reduction[S]) Resolve(ctx context.Context) (Reduction[S], error) {
	if r.kind != kindPending {
		return r, nil
	}
	return r.pending(ctx)
}

// ApplyTo computes the state that results from applying r to current. The
// boolean is false when r leaves state untouched or is still pending.
func (r Reduction[S]) ApplyTo(current S) (S, bool) {
	switch r.kind {
	case kindState:
		return r.state, true
	case kindTransform:
		next, ok := r.transform(current)
		if !ok {
			return current, false
		}
		return next, true
	default:
		return current, false
	}
}
