// Package app defines the tenant entities: registered client apps and
// the user profiles created under them.
package app

import "time"

// App is a registered client application identified by its API key.
type App struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	APIKeyHash string    `json:"-"` // bcrypt hash, never serialized
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// UserProfile is created lazily on the first request carrying an
// unknown X-User-Id for an app.
type UserProfile struct {
	ID             string    `json:"id"`
	AppID          string    `json:"app_id"`
	ExternalUserID string    `json:"external_user_id"`
	Name           string    `json:"name,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastSeenAt     time.Time `json:"last_seen_at"`
}
