// Package requestid attaches a unique id to each inbound Slack event or
// dispatch so log lines for the same request can be correlated.
package requestid

import (
	"context"

	"github.com/google/uuid"
)

type contextKey struct{}

// WithRequestID returns a context carrying the given request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// New generates a fresh request id and returns a context carrying it.
func New(ctx context.Context) (context.Context, string) {
	id := uuid.New().String()
	return WithRequestID(ctx, id), id
}

// FromContext returns the request id carried by ctx, generating one on the
// fly if none was set.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(contextKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}
