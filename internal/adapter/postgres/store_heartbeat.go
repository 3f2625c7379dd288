package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loopsymphony/server/internal/domain/heartbeat"
)

// --- Heartbeats ---

func (s *Store) CreateHeartbeat(ctx context.Context, h *heartbeat.Heartbeat) error {
	ctxJSON, err := json.Marshal(h.ContextTemplate)
	if err != nil {
		return fmt.Errorf("marshal context_template: %w", err)
	}
	return s.pool.QueryRow(ctx,
		`INSERT INTO heartbeats (id, app_id, user_id, name, query_template, cron_expression, timezone, context_template, webhook_url, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING created_at, updated_at`,
		h.ID, appFromCtx(ctx), nullIfEmpty(h.UserID), h.Name, h.QueryTemplate,
		h.CronExpression, h.Timezone, ctxJSON, h.WebhookURL, h.IsActive,
	).Scan(&h.CreatedAt, &h.UpdatedAt)
}

func (s *Store) GetHeartbeat(ctx context.Context, id string) (*heartbeat.Heartbeat, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, app_id, COALESCE(user_id, ''), name, query_template, cron_expression, timezone, context_template, webhook_url, is_active, created_at, updated_at
		 FROM heartbeats WHERE id = $1 AND app_id = $2`, id, appFromCtx(ctx))

	h, err := scanHeartbeat(row)
	if err != nil {
		return nil, notFoundWrap(err, "get heartbeat %s", id)
	}
	return &h, nil
}

func (s *Store) ListHeartbeats(ctx context.Context) ([]heartbeat.Heartbeat, error) {
	return s.listHeartbeats(ctx,
		`SELECT id, app_id, COALESCE(user_id, ''), name, query_template, cron_expression, timezone, context_template, webhook_url, is_active, created_at, updated_at
		 FROM heartbeats WHERE app_id = $1 ORDER BY created_at ASC`, appFromCtx(ctx))
}

// ListActiveHeartbeats returns active heartbeats across all apps. The
// scheduler runs without a request context and must see every tenant.
func (s *Store) ListActiveHeartbeats(ctx context.Context) ([]heartbeat.Heartbeat, error) {
	return s.listHeartbeats(ctx,
		`SELECT id, app_id, COALESCE(user_id, ''), name, query_template, cron_expression, timezone, context_template, webhook_url, is_active, created_at, updated_at
		 FROM heartbeats WHERE is_active ORDER BY created_at ASC`)
}

func (s *Store) listHeartbeats(ctx context.Context, query string, args ...any) ([]heartbeat.Heartbeat, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list heartbeats: %w", err)
	}
	defer rows.Close()

	var hbs []heartbeat.Heartbeat
	for rows.Next() {
		h, err := scanHeartbeat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		hbs = append(hbs, h)
	}
	return orEmpty(hbs), rows.Err()
}

func (s *Store) UpdateHeartbeat(ctx context.Context, h *heartbeat.Heartbeat) error {
	ctxJSON, err := json.Marshal(h.ContextTemplate)
	if err != nil {
		return fmt.Errorf("marshal context_template: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE heartbeats SET name = $2, query_template = $3, cron_expression = $4, timezone = $5,
		 context_template = $6, webhook_url = $7, is_active = $8, updated_at = now()
		 WHERE id = $1 AND app_id = $9`,
		h.ID, h.Name, h.QueryTemplate, h.CronExpression, h.Timezone,
		ctxJSON, h.WebhookURL, h.IsActive, appFromCtx(ctx))
	return execExpectOne(tag, err, "update heartbeat %s", h.ID)
}

func (s *Store) DeleteHeartbeat(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM heartbeats WHERE id = $1 AND app_id = $2`, id, appFromCtx(ctx))
	return execExpectOne(tag, err, "delete heartbeat %s", id)
}

func scanHeartbeat(row scannable) (heartbeat.Heartbeat, error) {
	var h heartbeat.Heartbeat
	var ctxJSON []byte
	err := row.Scan(&h.ID, &h.AppID, &h.UserID, &h.Name, &h.QueryTemplate,
		&h.CronExpression, &h.Timezone, &ctxJSON, &h.WebhookURL, &h.IsActive,
		&h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		return h, err
	}
	if ctxJSON != nil {
		_ = json.Unmarshal(ctxJSON, &h.ContextTemplate)
	}
	return h, nil
}

// --- Heartbeat runs ---

func (s *Store) CreateHeartbeatRun(ctx context.Context, r *heartbeat.Run) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO heartbeat_runs (id, heartbeat_id, app_id, task_id, status, scheduled_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.HeartbeatID, r.AppID, nullIfEmpty(r.TaskID), string(r.Status), r.ScheduledAt)
	if err != nil {
		return fmt.Errorf("create heartbeat run %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) UpdateHeartbeatRun(ctx context.Context, r *heartbeat.Run) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE heartbeat_runs SET task_id = $2, status = $3, completed_at = $4, error = $5
		 WHERE id = $1`,
		r.ID, nullIfEmpty(r.TaskID), string(r.Status), r.CompletedAt, r.Error)
	return execExpectOne(tag, err, "update heartbeat run %s", r.ID)
}

// HasRunInMinute reports whether a run already exists for the cron
// minute containing the given time. Used for duplicate-fire protection.
func (s *Store) HasRunInMinute(ctx context.Context, heartbeatID string, minute time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM heartbeat_runs WHERE heartbeat_id = $1 AND scheduled_at = $2)`,
		heartbeatID, minute.Truncate(time.Minute),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check heartbeat run %s: %w", heartbeatID, err)
	}
	return exists, nil
}
