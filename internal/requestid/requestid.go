// Package requestid carries a request id through contexts.
package requestid

import (
	"context"

	"github.com/google/uuid"
)

// Header is the HTTP header that carries the id.
const Header = "X-Request-ID"

type ctxKey struct{}

// WithRequestID returns a context with the given request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the request ID from context, or generates a new one.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

// New generates a new request ID and returns the enriched context and ID.
func New(ctx context.Context) (context.Context, string) {
	return Ensure(ctx, "")
}

// Ensure keeps a caller-supplied id when it is a valid UUID and generates
// one otherwise.
func Ensure(ctx context.Context, id string) (context.Context, string) {
	if _, err := uuid.Parse(id); err != nil {
		id = uuid.NewString()
	}
	return WithRequestID(ctx, id), id
}
