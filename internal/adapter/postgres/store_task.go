package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loopsymphony/server/internal/domain/task"
)

// --- Tasks ---

func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	reqJSON, err := json.Marshal(t.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (id, app_id, user_id, request, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		t.ID, appFromCtx(ctx), nullIfEmpty(t.UserID), reqJSON, string(t.Status), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, app_id, COALESCE(user_id, ''), request, status, COALESCE(outcome, ''), response, COALESCE(error, ''), created_at, updated_at, completed_at
		 FROM tasks WHERE id = $1 AND app_id = $2`, id, appFromCtx(ctx))

	t, err := scanTask(row)
	if err != nil {
		return nil, notFoundWrap(err, "get task %s", id)
	}
	return &t, nil
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status task.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $2, updated_at = now()
		 WHERE id = $1 AND app_id = $3`,
		id, string(status), appFromCtx(ctx))
	return execExpectOne(tag, err, "update task status %s", id)
}

// CompleteTask records the terminal state of a task in one write.
func (s *Store) CompleteTask(ctx context.Context, id string, status task.Status, resp *task.Response, errMsg string) error {
	var respJSON []byte
	if resp != nil {
		var err error
		respJSON, err = json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("marshal response: %w", err)
		}
	}
	outcome := ""
	if resp != nil {
		outcome = string(resp.Outcome)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $2, outcome = $3, response = $4, error = $5,
		 completed_at = now(), updated_at = now()
		 WHERE id = $1 AND app_id = $6`,
		id, string(status), outcome, respJSON, errMsg, appFromCtx(ctx))
	return execExpectOne(tag, err, "complete task %s", id)
}

func (s *Store) ListRecentTasks(ctx context.Context, limit int) ([]task.Task, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, app_id, COALESCE(user_id, ''), request, status, COALESCE(outcome, ''), response, COALESCE(error, ''), created_at, updated_at, completed_at
		 FROM tasks WHERE app_id = $1 ORDER BY created_at DESC LIMIT $2`,
		appFromCtx(ctx), limit)
	if err != nil {
		return nil, fmt.Errorf("list recent tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(row scannable) (task.Task, error) {
	var t task.Task
	var reqJSON, respJSON []byte
	err := row.Scan(&t.ID, &t.AppID, &t.UserID, &reqJSON, &t.Status, &t.Outcome, &respJSON, &t.Error, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt)
	if err != nil {
		return t, err
	}
	if reqJSON != nil {
		if err := json.Unmarshal(reqJSON, &t.Request); err != nil {
			return t, fmt.Errorf("unmarshal request: %w", err)
		}
	}
	if respJSON != nil {
		if err := json.Unmarshal(respJSON, &t.Response); err != nil {
			return t, fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return t, nil
}
