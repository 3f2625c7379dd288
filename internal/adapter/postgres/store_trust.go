package postgres

import (
	"context"
	"fmt"

	"github.com/loopsymphony/server/internal/domain/trust"
)

// --- Trust metrics ---

// GetTrustMetrics returns the metrics row for (app from ctx, userID).
// A missing row comes back as a zero record at trust level 0, not an
// error, so first-time users start from a clean slate.
func (s *Store) GetTrustMetrics(ctx context.Context, userID string) (*trust.Metrics, error) {
	appID := appFromCtx(ctx)
	m := trust.Metrics{AppID: appID, UserID: userID}
	err := s.pool.QueryRow(ctx,
		`SELECT total_tasks, successful_tasks, failed_tasks, consecutive_successes, current_trust_level, last_task_at
		 FROM trust_metrics WHERE app_id = $1 AND user_id = $2`, appID, userID,
	).Scan(&m.TotalTasks, &m.SuccessfulTasks, &m.FailedTasks, &m.ConsecutiveSuccesses, &m.CurrentTrustLevel, &m.LastTaskAt)
	if err != nil {
		if isNoRows(err) {
			return &m, nil
		}
		return nil, fmt.Errorf("get trust metrics %s: %w", userID, err)
	}
	return &m, nil
}

func (s *Store) UpsertTrustMetrics(ctx context.Context, m *trust.Metrics) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trust_metrics (app_id, user_id, total_tasks, successful_tasks, failed_tasks, consecutive_successes, current_trust_level, last_task_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (app_id, user_id) DO UPDATE SET
		   total_tasks = EXCLUDED.total_tasks,
		   successful_tasks = EXCLUDED.successful_tasks,
		   failed_tasks = EXCLUDED.failed_tasks,
		   consecutive_successes = EXCLUDED.consecutive_successes,
		   current_trust_level = EXCLUDED.current_trust_level,
		   last_task_at = EXCLUDED.last_task_at`,
		m.AppID, m.UserID, m.TotalTasks, m.SuccessfulTasks, m.FailedTasks,
		m.ConsecutiveSuccesses, int(m.CurrentTrustLevel), m.LastTaskAt)
	if err != nil {
		return fmt.Errorf("upsert trust metrics %s: %w", m.UserID, err)
	}
	return nil
}

// SetTrustLevel updates only the level, creating the row if needed.
func (s *Store) SetTrustLevel(ctx context.Context, userID string, level trust.Level) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trust_metrics (app_id, user_id, current_trust_level)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (app_id, user_id) DO UPDATE SET current_trust_level = EXCLUDED.current_trust_level`,
		appFromCtx(ctx), userID, int(level))
	if err != nil {
		return fmt.Errorf("set trust level %s: %w", userID, err)
	}
	return nil
}
