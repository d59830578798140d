package guard

import "context"

// The authentication layer is an external collaborator; it stores the
// already-authenticated principal identifier on the request context and
// the guard only consumes it.

type principalKey struct{}

// WithPrincipal returns a context carrying the authenticated user ID.
func WithPrincipal(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, principalKey{}, userID)
}

// PrincipalFromContext returns the authenticated user ID, or "" if the
// request was not authenticated.
func PrincipalFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(principalKey{}).(string)
	return userID
}
