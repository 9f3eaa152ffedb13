// Package context carries per-request metadata and the authenticated caller.
package context

import "context"

type contextKey int

const (
	requestKey contextKey = iota
	callerKey
)

// Request describes the inbound HTTP call.
type Request struct {
	ID       string
	Method   string
	Route    string
	RemoteIP string
}

// Caller is the authenticated principal. UserID is recorded as the reviewer,
// merger or scan initiator.
type Caller struct {
	UserID string
	Roles  []string
}

func WithRequest(ctx context.Context, req Request) context.Context {
	return context.WithValue(ctx, requestKey, req)
}

// GetRequest returns the zero Request outside an HTTP call.
func GetRequest(ctx context.Context) Request {
	req, _ := ctx.Value(requestKey).(Request)
	return req
}

func GetRequestID(ctx context.Context) string {
	return GetRequest(ctx).ID
}

func WithCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// GetCaller reports false when the request was never authenticated.
func GetCaller(ctx context.Context) (Caller, bool) {
	caller, ok := ctx.Value(callerKey).(Caller)
	return caller, ok
}

func GetUserID(ctx context.Context) string {
	caller, _ := GetCaller(ctx)
	return caller.UserID
}
