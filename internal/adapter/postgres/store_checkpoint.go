package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loopsymphony/server/internal/domain/task"
)

// --- Iteration checkpoints ---

func (s *Store) CreateCheckpoint(ctx context.Context, cp *task.IterationCheckpoint) error {
	inJSON, err := json.Marshal(cp.Input)
	if err != nil {
		return fmt.Errorf("marshal checkpoint input: %w", err)
	}
	outJSON, err := json.Marshal(cp.Output)
	if err != nil {
		return fmt.Errorf("marshal checkpoint output: %w", err)
	}
	return s.pool.QueryRow(ctx,
		`INSERT INTO task_iterations (app_id, task_id, iteration_num, phase, input, output, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at`,
		appFromCtx(ctx), cp.TaskID, cp.Iteration, cp.Phase, inJSON, outJSON, cp.DurationMS,
	).Scan(&cp.CreatedAt)
}

func (s *Store) ListCheckpoints(ctx context.Context, taskID string) ([]task.IterationCheckpoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT task_id, iteration_num, phase, input, output, duration_ms, created_at
		 FROM task_iterations WHERE task_id = $1 AND app_id = $2
		 ORDER BY iteration_num ASC, created_at ASC`,
		taskID, appFromCtx(ctx))
	if err != nil {
		return nil, fmt.Errorf("list checkpoints for %s: %w", taskID, err)
	}
	defer rows.Close()

	var cps []task.IterationCheckpoint
	for rows.Next() {
		var cp task.IterationCheckpoint
		var inJSON, outJSON []byte
		if err := rows.Scan(&cp.TaskID, &cp.Iteration, &cp.Phase, &inJSON, &outJSON, &cp.DurationMS, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		if inJSON != nil {
			_ = json.Unmarshal(inJSON, &cp.Input)
		}
		if outJSON != nil {
			_ = json.Unmarshal(outJSON, &cp.Output)
		}
		cps = append(cps, cp)
	}
	return orEmpty(cps), rows.Err()
}
