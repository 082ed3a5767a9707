package auth

import "context"

func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, UserKey, claims)
}

// ClaimsFrom returns the claims stored by Middleware.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(UserKey).(*Claims)
	return claims, ok
}
