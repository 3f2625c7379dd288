package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/loopsymphony/server/internal/domain"
	"github.com/loopsymphony/server/internal/domain/app"
	"github.com/loopsymphony/server/internal/port/cache"
	"github.com/loopsymphony/server/internal/port/database"
)

// AuthService validates app API keys and manages app registration.
// Keys have the form "<app_id>.<secret>"; only a bcrypt hash of the
// secret is stored. Successful lookups are cached by key digest so the
// hot path skips both the database and the bcrypt comparison.
type AuthService struct {
	store database.Store
	cache cache.Cache
	ttl   time.Duration
}

// NewAuthService creates a new auth service. cache may be nil, in which
// case every validation hits the database.
func NewAuthService(store database.Store, c cache.Cache, ttl time.Duration) *AuthService {
	return &AuthService{store: store, cache: c, ttl: ttl}
}

// ValidateAPIKey resolves an API key to its app. It returns
// domain.ErrUnauthorized for unknown or malformed keys and
// domain.ErrForbidden for deactivated apps.
func (s *AuthService) ValidateAPIKey(ctx context.Context, apiKey string) (*app.App, error) {
	cacheKey := "apikey:" + digest(apiKey)

	if s.cache != nil {
		if data, ok, _ := s.cache.Get(ctx, cacheKey); ok {
			var a app.App
			if err := json.Unmarshal(data, &a); err == nil {
				if !a.Active {
					return nil, domain.ErrForbidden
				}
				return &a, nil
			}
		}
	}

	appID, secret, ok := strings.Cut(apiKey, ".")
	if !ok || appID == "" || secret == "" {
		return nil, domain.ErrUnauthorized
	}

	a, err := s.store.GetAppByID(ctx, appID)
	if err != nil {
		return nil, domain.ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.APIKeyHash), []byte(secret)); err != nil {
		return nil, domain.ErrUnauthorized
	}
	if !a.Active {
		return nil, domain.ErrForbidden
	}

	if s.cache != nil {
		if data, err := json.Marshal(a); err == nil {
			_ = s.cache.Set(ctx, cacheKey, data, s.ttl)
		}
	}
	return a, nil
}

// CreateApp registers a new app and returns it together with the plain
// API key. The key is shown once; only its hash survives.
func (s *AuthService) CreateApp(ctx context.Context, name string) (*app.App, string, error) {
	if strings.TrimSpace(name) == "" {
		return nil, "", domain.Validationf("app name is required")
	}

	secret, err := randomSecret(32)
	if err != nil {
		return nil, "", fmt.Errorf("generate secret: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash secret: %w", err)
	}

	a := &app.App{
		ID:         uuid.NewString(),
		Name:       name,
		APIKeyHash: string(hash),
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateApp(ctx, a); err != nil {
		return nil, "", fmt.Errorf("create app: %w", err)
	}
	return a, a.ID + "." + secret, nil
}

// ListApps returns all registered apps.
func (s *AuthService) ListApps(ctx context.Context) ([]app.App, error) {
	return s.store.ListApps(ctx)
}

func digest(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

func randomSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
