package rpc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"
)

// ActionInfo describes an in-flight dispatch as reported by the service.
type ActionInfo struct {
	ID    string
	Type  string
	Phase string
	Since time.Time
}

// Exception is a recorded failure as reported by ExceptionFor.
type Exception struct {
	Error   string
	User    bool
	Message string
	Reason  string
}

// Client calls a remote inspection service.
type Client struct {
	actionsInProgress *connect.Client[structpb.Struct, structpb.Struct]
	isWaiting         *connect.Client[structpb.Struct, structpb.Struct]
	isFailed          *connect.Client[structpb.Struct, structpb.Struct]
	exceptionFor      *connect.Client[structpb.Struct, structpb.Struct]
	clearExceptionFor *connect.Client[structpb.Struct, structpb.Struct]
	metrics           *connect.Client[structpb.Struct, structpb.Struct]
	getState          *connect.Client[structpb.Struct, structpb.Struct]
}

// NewClient creates a client for the service mounted at baseURL.
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	newClient := func(procedure string) *connect.Client[structpb.Struct, structpb.Struct] {
		return connect.NewClient[structpb.Struct, structpb.Struct](httpClient, baseURL+procedure, opts...)
	}

	return &Client{
		actionsInProgress: newClient(ActionsInProgressProcedure),
		isWaiting:         newClient(IsWaitingProcedure),
		isFailed:          newClient(IsFailedProcedure),
		exceptionFor:      newClient(ExceptionForProcedure),
		clearExceptionFor: newClient(ClearExceptionForProcedure),
		metrics:           newClient(MetricsProcedure),
		getState:          newClient(GetStateProcedure),
	}
}

func (c *Client) ActionsInProgress(ctx context.Context) ([]ActionInfo, error) {
	res, err := call(ctx, c.actionsInProgress, nil)
	if err != nil {
		return nil, err
	}

	actions, _ := res["actions"].([]any)
	out := make([]ActionInfo, 0, len(actions))
	for _, v := range actions {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		info := ActionInfo{
			ID:    stringField(m, "id"),
			Type:  stringField(m, "type"),
			Phase: stringField(m, "phase"),
		}
		if since, err := time.Parse(time.RFC3339Nano, stringField(m, "since")); err == nil {
			info.Since = since
		}
		out = append(out, info)
	}
	return out, nil
}

func (c *Client) IsWaiting(ctx context.Context, types ...string) (bool, error) {
	res, err := call(ctx, c.isWaiting, types)
	if err != nil {
		return false, err
	}
	waiting, _ := res["waiting"].(bool)
	return waiting, nil
}

func (c *Client) IsFailed(ctx context.Context, types ...string) (bool, error) {
	res, err := call(ctx, c.isFailed, types)
	if err != nil {
		return false, err
	}
	failed, _ := res["failed"].(bool)
	return failed, nil
}

// ExceptionFor returns nil when no failure is recorded for the types.
func (c *Client) ExceptionFor(ctx context.Context, types ...string) (*Exception, error) {
	res, err := call(ctx, c.exceptionFor, types)
	if err != nil {
		return nil, err
	}
	if _, ok := res["error"]; !ok {
		return nil, nil
	}

	user, _ := res["user"].(bool)
	return &Exception{
		Error:   stringField(res, "error"),
		User:    user,
		Message: stringField(res, "message"),
		Reason:  stringField(res, "reason"),
	}, nil
}

func (c *Client) ClearExceptionFor(ctx context.Context, types ...string) error {
	_, err := call(ctx, c.clearExceptionFor, types)
	return err
}

// Metrics returns the store counters. Numbers decode as float64.
func (c *Client) Metrics(ctx context.Context) (map[string]any, error) {
	return call(ctx, c.metrics, nil)
}

// GetState returns the projected state and the revision it was read at.
func (c *Client) GetState(ctx context.Context) (map[string]any, uint64, error) {
	res, err := call(ctx, c.getState, nil)
	if err != nil {
		return nil, 0, err
	}
	state, _ := res["state"].(map[string]any)
	revision, _ := res["revision"].(float64)
	return state, uint64(revision), nil
}

func call(ctx context.Context, client *connect.Client[structpb.Struct, structpb.Struct], types []string) (map[string]any, error) {
	payload := map[string]any{}
	if len(types) > 0 {
		list := make([]any, len(types))
		for i, t := range types {
			list[i] = t
		}
		payload["types"] = list
	}

	msg, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	res, err := client.CallUnary(ctx, connect.NewRequest(msg))
	if err != nil {
		return nil, err
	}
	return res.Msg.AsMap(), nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
