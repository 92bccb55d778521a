// Package correlation threads a single request id through logs, responses and
// persisted audit events.
package correlation

import (
	"context"

	"github.com/rs/xid"
)

// Header carries the id on requests and responses.
const Header = "X-Correlation-ID"

type contextKey struct{}

// New returns a fresh id.
func New() string {
	return xid.New().String()
}

// WithID stores id in ctx.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// ID returns the id stored in ctx, or "" when none was set.
func ID(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}
