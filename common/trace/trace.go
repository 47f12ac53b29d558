// Package trace provides trace ID generation and context propagation for
// request correlation across handler and sub-operation boundaries.
package trace

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Header is the HTTP header carrying an inbound or outbound trace ID.
const Header = "X-Trace-Id"

type traceKey struct{}

// GenerateID generates a unique trace ID.
func GenerateID() string {
	return "t_" + uuid.NewString()
}

// WithTraceID returns a child context carrying the given trace ID.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// FromContext extracts the trace ID from ctx, returning "" if absent.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}

// FromRequest returns a context carrying the request's trace ID, generating
// one when the header is absent.
func FromRequest(r *http.Request) (context.Context, string) {
	id := r.Header.Get(Header)
	if id == "" {
		id = GenerateID()
	}
	return WithTraceID(r.Context(), id), id
}
