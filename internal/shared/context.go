package shared

import "context"

type actorContextKey struct{}

// ContextWithActor stores the acting user's identity in context. Identity is
// resolved by an upstream collaborator; this service only attaches the
// reference to transitions and ledger entries.
func ContextWithActor(ctx context.Context, actorID int64) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actorID)
}

// ActorFromContext extracts the actor reference, zero when absent.
func ActorFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(actorContextKey{}).(int64)
	return id
}
