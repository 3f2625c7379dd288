package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/loopsymphony/server/internal/domain"
	"github.com/loopsymphony/server/internal/domain/app"
)

// AppValidator validates API keys against the apps table.
type AppValidator interface {
	ValidateAPIKey(ctx context.Context, apiKey string) (*app.App, error)
}

// Auth returns middleware that resolves X-Api-Key and X-User-Id into
// request scope. A missing key leaves the request on the default app;
// an invalid key is rejected. X-User-Id is carried as-is — the profile
// row is ensured lazily by the services that need it.
func Auth(validator AppValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if apiKey := r.Header.Get("X-Api-Key"); apiKey != "" {
				a, err := validator.ValidateAPIKey(ctx, apiKey)
				switch {
				case errors.Is(err, domain.ErrForbidden):
					http.Error(w, `{"detail":"app is deactivated"}`, http.StatusForbidden)
					return
				case err != nil:
					http.Error(w, `{"detail":"invalid api key"}`, http.StatusUnauthorized)
					return
				}
				ctx = WithAppID(ctx, a.ID)
			}

			if userID := r.Header.Get("X-User-Id"); userID != "" {
				ctx = WithUserID(ctx, userID)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAuth rejects requests that did not present an API key.
// Mounted on the trust and heartbeat routes.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") == "" {
			http.Error(w, `{"detail":"api key required"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
