package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loopsymphony/server/internal/domain"
	"github.com/loopsymphony/server/internal/domain/task"
)

const defaultApprovalTimeout = 24 * time.Hour

type pendingApproval struct {
	plan   *task.Plan
	start  func(ctx context.Context) error
	heldAt time.Time
}

// ApprovalStore holds trust-0 task plans until the caller approves
// them. A plan that is never approved expires after the approval
// timeout and the task is cancelled.
type ApprovalStore struct {
	mu      sync.Mutex
	pending map[string]*pendingApproval
	manager *TaskManager
	timeout time.Duration
}

// NewApprovalStore creates an approval store bound to the task manager.
// A zero timeout selects the default of 24 hours.
func NewApprovalStore(manager *TaskManager, timeout time.Duration) *ApprovalStore {
	if timeout <= 0 {
		timeout = defaultApprovalTimeout
	}
	return &ApprovalStore{
		pending: make(map[string]*pendingApproval),
		manager: manager,
		timeout: timeout,
	}
}

// Hold parks a plan and its deferred start until approval.
func (s *ApprovalStore) Hold(taskID string, plan *task.Plan, start func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[taskID] = &pendingApproval{plan: plan, start: start, heldAt: time.Now()}
}

// Plan returns the held plan for an awaiting task, if any.
func (s *ApprovalStore) Plan(taskID string) (*task.Plan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[taskID]
	if !ok {
		return nil, false
	}
	return p.plan, true
}

// Approve hands the held request to the task manager and removes the
// plan. Approving a task with no held plan is a no-op returning its
// current status, so double-approve is safe.
func (s *ApprovalStore) Approve(ctx context.Context, taskID string) (task.Status, error) {
	s.mu.Lock()
	p, ok := s.pending[taskID]
	if ok {
		delete(s.pending, taskID)
	}
	s.mu.Unlock()

	if !ok {
		t, found := s.manager.Get(taskID)
		if !found {
			return "", fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
		}
		return t.Status, nil
	}

	if err := p.start(ctx); err != nil {
		return "", err
	}
	t, found := s.manager.Get(taskID)
	if !found {
		return task.StatusRunning, nil
	}
	return t.Status, nil
}

// Discard drops a held plan without starting it, used when the task is
// cancelled while awaiting approval.
func (s *ApprovalStore) Discard(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, taskID)
}

// Sweep cancels tasks whose plan has been waiting longer than the
// approval timeout. Returns the number expired.
func (s *ApprovalStore) Sweep(now time.Time) int {
	s.mu.Lock()
	var expired []string
	for id, p := range s.pending {
		if now.Sub(p.heldAt) > s.timeout {
			expired = append(expired, id)
			delete(s.pending, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		if err := s.manager.Cancel(id); err != nil {
			slog.Warn("failed to cancel expired approval", "task_id", id, "error", err)
		}
	}
	return len(expired)
}

// StartCleanup expires stale plans periodically until ctx is done.
func (s *ApprovalStore) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Sweep(time.Now()); n > 0 {
					slog.Info("expired unapproved plans", "count", n)
				}
			}
		}
	}()
}
