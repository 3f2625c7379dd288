package postgres

import (
	"context"
	"fmt"

	"github.com/loopsymphony/server/internal/domain/app"
)

// --- Apps ---

func (s *Store) GetAppByID(ctx context.Context, id string) (*app.App, error) {
	var a app.App
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, api_key_hash, active, created_at
		 FROM apps WHERE id = $1`, id,
	).Scan(&a.ID, &a.Name, &a.APIKeyHash, &a.Active, &a.CreatedAt)
	if err != nil {
		return nil, notFoundWrap(err, "get app %s", id)
	}
	return &a, nil
}

func (s *Store) ListApps(ctx context.Context) ([]app.App, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, api_key_hash, active, created_at
		 FROM apps ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list apps: %w", err)
	}
	defer rows.Close()

	var apps []app.App
	for rows.Next() {
		var a app.App
		if err := rows.Scan(&a.ID, &a.Name, &a.APIKeyHash, &a.Active, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan app: %w", err)
		}
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

func (s *Store) CreateApp(ctx context.Context, a *app.App) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO apps (id, name, api_key_hash, active, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.Name, a.APIKeyHash, a.Active, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("create app %s: %w", a.Name, err)
	}
	return nil
}

// --- User profiles ---

// EnsureUserProfile upserts the profile row for the external user id
// under the app in ctx and refreshes last_seen_at.
func (s *Store) EnsureUserProfile(ctx context.Context, externalUserID string) (*app.UserProfile, error) {
	var p app.UserProfile
	err := s.pool.QueryRow(ctx,
		`INSERT INTO user_profiles (app_id, external_user_id)
		 VALUES ($1, $2)
		 ON CONFLICT (app_id, external_user_id)
		   DO UPDATE SET last_seen_at = now()
		 RETURNING id, app_id, external_user_id, COALESCE(name, ''), created_at, last_seen_at`,
		appFromCtx(ctx), externalUserID,
	).Scan(&p.ID, &p.AppID, &p.ExternalUserID, &p.Name, &p.CreatedAt, &p.LastSeenAt)
	if err != nil {
		return nil, fmt.Errorf("ensure user profile %s: %w", externalUserID, err)
	}
	return &p, nil
}
