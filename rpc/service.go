package rpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/tailored-agentic-units/statekit/action"
	"github.com/tailored-agentic-units/statekit/observability"
	"github.com/tailored-agentic-units/statekit/store"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified name of the inspection service.
const ServiceName = "statekit.v1.StoreService"

// Procedure paths served by NewHandler.
const (
	ActionsInProgressProcedure = "/" + ServiceName + "/ActionsInProgress"
	IsWaitingProcedure         = "/" + ServiceName + "/IsWaiting"
	IsFailedProcedure          = "/" + ServiceName + "/IsFailed"
	ExceptionForProcedure      = "/" + ServiceName + "/ExceptionFor"
	ClearExceptionForProcedure = "/" + ServiceName + "/ClearExceptionFor"
	MetricsProcedure           = "/" + ServiceName + "/Metrics"
	GetStateProcedure          = "/" + ServiceName + "/GetState"
)

// EventRequest is emitted once per handled call.
const EventRequest observability.EventType = "rpc.request"

// StateProjector converts store state into a JSON-like map. Values must be
// representable as google.protobuf.Value.
type StateProjector[S any] func(S) (map[string]any, error)

// HandlerOption configures NewHandler.
type HandlerOption[S any] func(*service[S])

// WithStateProjector enables GetState.
func WithStateProjector[S any](p StateProjector[S]) HandlerOption[S] {
	return func(s *service[S]) { s.project = p }
}

// WithObserver receives an rpc.request event per call.
func WithObserver[S any](o observability.Observer) HandlerOption[S] {
	return func(s *service[S]) { s.observer = o }
}

// WithHandlerOptions passes options through to every connect handler.
func WithHandlerOptions[S any](opts ...connect.HandlerOption) HandlerOption[S] {
	return func(s *service[S]) { s.connectOpts = append(s.connectOpts, opts...) }
}

type service[S any] struct {
	store       *store.Store[S]
	project     StateProjector[S]
	observer    observability.Observer
	connectOpts []connect.HandlerOption
}

// NewHandler builds the inspection service for st. It returns the path to
// mount the handler on, in the same shape as generated connect code.
func NewHandler[S any](st *store.Store[S], opts ...HandlerOption[S]) (string, http.Handler) {
	svc := &service[S]{
		store:    st,
		observer: observability.NoOpObserver{},
	}
	for _, opt := range opts {
		opt(svc)
	}

	handlerOpts := append([]connect.HandlerOption{
		connect.WithInterceptors(svc.observeInterceptor()),
	}, svc.connectOpts...)

	mux := http.NewServeMux()
	mux.Handle(ActionsInProgressProcedure, connect.NewUnaryHandler(ActionsInProgressProcedure, svc.actionsInProgress, handlerOpts...))
	mux.Handle(IsWaitingProcedure, connect.NewUnaryHandler(IsWaitingProcedure, svc.isWaiting, handlerOpts...))
	mux.Handle(IsFailedProcedure, connect.NewUnaryHandler(IsFailedProcedure, svc.isFailed, handlerOpts...))
	mux.Handle(ExceptionForProcedure, connect.NewUnaryHandler(ExceptionForProcedure, svc.exceptionFor, handlerOpts...))
	mux.Handle(ClearExceptionForProcedure, connect.NewUnaryHandler(ClearExceptionForProcedure, svc.clearExceptionFor, handlerOpts...))
	mux.Handle(MetricsProcedure, connect.NewUnaryHandler(MetricsProcedure, svc.metrics, handlerOpts...))
	mux.Handle(GetStateProcedure, connect.NewUnaryHandler(GetStateProcedure, svc.getState, handlerOpts...))

	return "/" + ServiceName + "/", mux
}

func (s *service[S]) actionsInProgress(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	inFlight := s.store.ActionsInProgress()

	actions := make([]any, 0, len(inFlight))
	for _, a := range inFlight {
		actions = append(actions, map[string]any{
			"id":    a.ID,
			"type":  a.Type,
			"phase": a.Status.Phase().String(),
			"since": a.Since.UTC().Format(time.RFC3339Nano),
		})
	}

	return respond(map[string]any{"actions": actions})
}

func (s *service[S]) isWaiting(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	types, err := typesFrom(req.Msg)
	if err != nil {
		return nil, err
	}
	return respond(map[string]any{"waiting": s.store.IsWaiting(types...)})
}

func (s *service[S]) isFailed(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	types, err := requiredTypes(req.Msg)
	if err != nil {
		return nil, err
	}
	return respond(map[string]any{"failed": s.store.IsFailed(types...)})
}

func (s *service[S]) exceptionFor(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	types, err := requiredTypes(req.Msg)
	if err != nil {
		return nil, err
	}

	failure := s.store.ExceptionFor(types...)
	if failure == nil {
		return respond(map[string]any{})
	}

	out := map[string]any{"error": failure.Error(), "user": false}
	if userErr, ok := action.AsUserError(failure); ok {
		out["user"] = true
		out["message"] = userErr.Msg
		if userErr.Reason != "" {
			out["reason"] = userErr.Reason
		}
	}
	return respond(out)
}

func (s *service[S]) clearExceptionFor(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	types, err := requiredTypes(req.Msg)
	if err != nil {
		return nil, err
	}
	s.store.ClearExceptionFor(types...)
	return respond(map[string]any{})
}

func (s *service[S]) metrics(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	m := s.store.Metrics()
	return respond(map[string]any{
		"name":           s.store.Name(),
		"revision":       s.store.Revision(),
		"dispatch_count": s.store.DispatchCount(),
		"dispatched":     m.Dispatched,
		"completed":      m.Completed,
		"failed":         m.Failed,
		"aborted":        m.Aborted,
		"state_changes":  m.StateChanges,
		"in_progress":    m.InProgress,
		"waiters":        m.Waiters,
	})
}

func (s *service[S]) getState(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	if s.project == nil {
		return nil, connect.NewError(connect.CodeUnimplemented, errors.New("state projection not configured"))
	}

	state := s.store.State()
	projected, err := s.project(state)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("project state: %w", err))
	}

	return respond(map[string]any{
		"revision": s.store.Revision(),
		"state":    projected,
	})
}

func (s *service[S]) observeInterceptor() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			res, err := next(ctx, req)

			level := observability.LevelVerbose
			data := map[string]any{
				"procedure": req.Spec().Procedure,
				"duration":  time.Since(start),
			}
			if err != nil {
				level = observability.LevelWarning
				data["code"] = connect.CodeOf(err).String()
				data["error"] = err.Error()
			}

			s.observer.OnEvent(ctx, observability.Event{
				Type:      EventRequest,
				Level:     level,
				Timestamp: time.Now(),
				Source:    "rpc." + s.store.Name(),
				Data:      data,
			})
			return res, err
		}
	}
}

func respond(payload map[string]any) (*connect.Response[structpb.Struct], error) {
	msg, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("encode response: %w", err))
	}
	return connect.NewResponse(msg), nil
}

// typesFrom reads the optional "types" list of action type names.
func typesFrom(msg *structpb.Struct) ([]string, error) {
	if msg == nil {
		return nil, nil
	}
	field, ok := msg.GetFields()["types"]
	if !ok {
		return nil, nil
	}

	list := field.GetListValue()
	if list == nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("types must be a list of strings"))
	}

	types := make([]string, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		typ, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok || strings.TrimSpace(typ.StringValue) == "" {
			return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("types must be non-empty strings"))
		}
		types = append(types, typ.StringValue)
	}
	return types, nil
}

func requiredTypes(msg *structpb.Struct) ([]string, error) {
	types, err := typesFrom(msg)
	if err != nil {
		return nil, err
	}
	if len(types) == 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("types is required"))
	}
	return types, nil
}
