// ABOUTME: Request identity carried through handlers via context
// ABOUTME: WithIdentity/FromContext propagate the authenticated participant

package auth

import (
	"context"
)

// Identity is the authenticated caller of a request.
type Identity struct {
	ParticipantID string
}

type identityKey struct{}

// WithIdentity returns a new context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity on ctx, or nil when the request is anonymous.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}
