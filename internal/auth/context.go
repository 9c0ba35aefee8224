// ABOUTME: Request context carrying the acting agent
// ABOUTME: Provides WithActor/FromContext for propagating identity to handlers

package auth

import (
	"context"

	"github.com/2389/clinic-gateway/internal/conversation"
)

type actorContextKey struct{}

// WithActor returns a new context carrying actor.
func WithActor(ctx context.Context, actor conversation.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// FromContext returns the actor attached by the middleware.
func FromContext(ctx context.Context) (conversation.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(conversation.Actor)
	return actor, ok && actor.ID != ""
}

// MustFromContext returns the actor, panicking if the middleware did not run.
func MustFromContext(ctx context.Context) conversation.Actor {
	actor, ok := FromContext(ctx)
	if !ok {
		panic("auth: actor not found in context")
	}
	return actor
}
