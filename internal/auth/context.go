// ABOUTME: Caller identity propagation through request contexts.
// ABOUTME: WithCaller/CallerFrom pair; handlers read, middleware writes.

package auth

import (
	"context"
)

// Caller is the authenticated identity of a control-plane request. Callers
// are bridge processes and operator tooling, not contacts.
type Caller struct {
	ID string
}

type callerKey struct{}

// WithCaller returns a context carrying the caller identity.
func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller from the context, or nil when the request
// was not authenticated.
func CallerFrom(ctx context.Context) *Caller {
	c, ok := ctx.Value(callerKey{}).(*Caller)
	if !ok {
		return nil
	}
	return c
}
