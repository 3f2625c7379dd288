// Package middleware provides HTTP middleware: API-key auth and
// per-app request scoping.
package middleware

import "context"

type appIDCtxKey struct{}
type userIDCtxKey struct{}

// DefaultAppID scopes unauthenticated requests. The default app row is
// seeded by the migrations so anonymous tasks still land in a tenant.
const DefaultAppID = "00000000-0000-0000-0000-000000000001"

// WithAppID returns a context carrying the authenticated app id.
func WithAppID(ctx context.Context, appID string) context.Context {
	return context.WithValue(ctx, appIDCtxKey{}, appID)
}

// AppIDFromContext returns the app id set by the auth middleware,
// or DefaultAppID when none is present.
func AppIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(appIDCtxKey{}).(string); ok && id != "" {
		return id
	}
	return DefaultAppID
}

// WithUserID returns a context carrying the external user id.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDCtxKey{}, userID)
}

// UserIDFromContext returns the external user id, or "" when the
// request carried no X-User-Id header.
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDCtxKey{}).(string)
	return id
}
