package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loopsymphony/server/internal/domain"
	"github.com/loopsymphony/server/internal/domain/task"
)

// RunFunc executes a task to completion. The cancelled callback must be
// checked at every iteration boundary; when it reports true the run
// should return domain.ErrCancelled.
type RunFunc func(ctx context.Context, cancelled func() bool) (*task.Response, error)

type managed struct {
	task       *task.Task
	cancelled  atomic.Bool
	finishedAt time.Time
}

// TaskManager tracks in-flight tasks, spawns supervised workers and
// keeps finished entries around for the retention window so status
// queries stay cheap without a database round-trip.
type TaskManager struct {
	mu        sync.Mutex
	tasks     map[string]*managed
	retention time.Duration
	wg        sync.WaitGroup
}

// NewTaskManager creates a task manager. A zero retention selects the
// default from config.Defaults().
func NewTaskManager(retention time.Duration) *TaskManager {
	if retention <= 0 {
		retention = 15 * time.Minute
	}
	return &TaskManager{
		tasks:     make(map[string]*managed),
		retention: retention,
	}
}

// Register adds a task in its initial status. The task must carry an ID.
func (m *TaskManager) Register(t *task.Task) error {
	if t == nil || t.ID == "" {
		return domain.Validationf("task id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return fmt.Errorf("task %s: %w", t.ID, domain.ErrConflict)
	}
	m.tasks[t.ID] = &managed{task: t}
	return nil
}

// Start transitions the task to running and spawns a supervised worker.
// A panic in run is recovered and recorded as a failure so one bad task
// never takes the server down.
func (m *TaskManager) Start(ctx context.Context, taskID string, run RunFunc) error {
	m.mu.Lock()
	e, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	if e.task.Status.IsTerminal() || e.task.Status == task.StatusRunning {
		m.mu.Unlock()
		return fmt.Errorf("task %s is %s: %w", taskID, e.task.Status, domain.ErrConflict)
	}
	e.task.Status = task.StatusRunning
	e.task.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()

	m.wg.Add(1)
	go m.supervise(ctx, e, run)
	return nil
}

func (m *TaskManager) supervise(ctx context.Context, e *managed, run RunFunc) {
	defer m.wg.Done()

	var resp *task.Response
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("task worker panicked",
					"task_id", e.task.ID,
					"panic", r,
					"stack", string(debug.Stack()))
				err = fmt.Errorf("worker panic: %v", r)
			}
		}()
		resp, err = run(ctx, e.cancelled.Load)
	}()

	m.mu.Lock()
	defer m.mu.Unlock()
	if e.task.Status.IsTerminal() {
		return
	}
	now := time.Now().UTC()
	e.task.UpdatedAt = now
	e.task.CompletedAt = &now
	e.finishedAt = now

	switch {
	case errors.Is(err, domain.ErrCancelled) || (err == nil && e.cancelled.Load()):
		e.task.Status = task.StatusCancelled
		e.task.Response = resp
	case err != nil:
		e.task.Status = task.StatusFailed
		e.task.Error = err.Error()
	default:
		e.task.Status = task.StatusComplete
		e.task.Response = resp
		if resp != nil {
			e.task.Outcome = resp.Outcome
		}
	}
}

// Cancel requests cooperative cancellation. A pending or awaiting task
// is cancelled immediately; a running worker observes the flag at its
// next iteration boundary. Cancelling a terminal task is an error.
func (m *TaskManager) Cancel(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	if e.task.Status.IsTerminal() {
		return domain.Validationf("task %s is already %s", taskID, e.task.Status)
	}
	e.cancelled.Store(true)
	if e.task.Status != task.StatusRunning {
		now := time.Now().UTC()
		e.task.Status = task.StatusCancelled
		e.task.UpdatedAt = now
		e.task.CompletedAt = &now
		e.finishedAt = now
	}
	return nil
}

// CancelFlag returns the cooperative-cancellation probe for a task,
// suitable for wiring into a runtime Context.
func (m *TaskManager) CancelFlag(taskID string) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tasks[taskID]
	if !ok {
		return func() bool { return false }
	}
	return e.cancelled.Load
}

// Get returns a copy of the managed task.
func (m *TaskManager) Get(taskID string) (*task.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tasks[taskID]
	if !ok {
		return nil, false
	}
	cp := *e.task
	return &cp, true
}

// SetStatus force-sets a non-worker status transition, used for
// awaiting_approval and approval expiry.
func (m *TaskManager) SetStatus(taskID string, status task.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	if e.task.Status.IsTerminal() {
		return fmt.Errorf("task %s is %s: %w", taskID, e.task.Status, domain.ErrConflict)
	}
	now := time.Now().UTC()
	e.task.Status = status
	e.task.UpdatedAt = now
	if status.IsTerminal() {
		e.task.CompletedAt = &now
		e.finishedAt = now
	}
	return nil
}

// Active returns non-terminal tasks, newest first.
func (m *TaskManager) Active() []*task.Task {
	return m.snapshot(func(t *task.Task) bool { return !t.Status.IsTerminal() })
}

// Recent returns terminal tasks, most recently finished first.
func (m *TaskManager) Recent(limit int) []*task.Task {
	out := m.snapshot(func(t *task.Task) bool { return t.Status.IsTerminal() })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *TaskManager) snapshot(keep func(*task.Task) bool) []*task.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*task.Task
	for _, e := range m.tasks {
		if keep(e.task) {
			cp := *e.task
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Stats counts managed tasks by status.
func (m *TaskManager) Stats() map[task.Status]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := make(map[task.Status]int)
	for _, e := range m.tasks {
		stats[e.task.Status]++
	}
	return stats
}

// Sweep drops terminal entries older than the retention window and
// returns the number removed. The persisted record outlives the sweep.
func (m *TaskManager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, e := range m.tasks {
		if e.task.Status.IsTerminal() && now.Sub(e.finishedAt) > m.retention {
			delete(m.tasks, id)
			removed++
		}
	}
	return removed
}

// StartCleanup sweeps expired entries periodically until ctx is done.
func (m *TaskManager) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.Sweep(time.Now()); n > 0 {
					slog.Debug("swept finished tasks", "count", n)
				}
			}
		}
	}()
}

// Wait blocks until all supervised workers have returned. Used during
// graceful shutdown.
func (m *TaskManager) Wait() { m.wg.Wait() }
