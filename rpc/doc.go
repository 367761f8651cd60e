// Package rpc exposes a store.Store for inspection over Connect.
//
// The service speaks google.protobuf.Struct on every procedure so it needs
// no generated code; connect's JSON and binary codecs both work. Requests
// that take action types carry them as {"types": ["addTodo", ...]}.
//
//	path, handler := rpc.NewHandler(st, rpc.WithStateProjector(project))
//	mux.Handle(path, handler)
//
//	client := rpc.NewClient(http.DefaultClient, "http://localhost:8080")
//	waiting, err := client.IsWaiting(ctx, "addTodo")
package rpc
