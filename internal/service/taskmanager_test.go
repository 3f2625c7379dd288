package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loopsymphony/server/internal/domain"
	"github.com/loopsymphony/server/internal/domain/loop"
	"github.com/loopsymphony/server/internal/domain/task"
)

func newTask(id string) *task.Task {
	now := time.Now().UTC()
	return &task.Task{
		ID:        id,
		Status:    task.StatusPending,
		Request:   &task.Request{Query: "q"},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func waitForTerminal(t *testing.T, m *TaskManager, id string) *task.Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, ok := m.Get(id)
		if !ok {
			t.Fatalf("task %s disappeared", id)
		}
		if got.Status.IsTerminal() {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached a terminal status", id)
	return nil
}

func TestStartRunsToComplete(t *testing.T) {
	m := NewTaskManager(0)
	if err := m.Register(newTask("t1")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	err := m.Start(context.Background(), "t1", func(_ context.Context, _ func() bool) (*task.Response, error) {
		return &task.Response{Summary: "done", Outcome: loop.OutcomeComplete}, nil
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	got := waitForTerminal(t, m, "t1")
	if got.Status != task.StatusComplete {
		t.Errorf("status = %s", got.Status)
	}
	if got.Outcome != loop.OutcomeComplete {
		t.Errorf("outcome = %s", got.Outcome)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not set")
	}
}

func TestStartRecordsFailure(t *testing.T) {
	m := NewTaskManager(0)
	_ = m.Register(newTask("t1"))

	_ = m.Start(context.Background(), "t1", func(_ context.Context, _ func() bool) (*task.Response, error) {
		return nil, errors.New("instrument blew up")
	})

	got := waitForTerminal(t, m, "t1")
	if got.Status != task.StatusFailed {
		t.Errorf("status = %s", got.Status)
	}
	if got.Error != "instrument blew up" {
		t.Errorf("error = %q", got.Error)
	}
}

func TestWorkerPanicBecomesFailure(t *testing.T) {
	m := NewTaskManager(0)
	_ = m.Register(newTask("t1"))

	_ = m.Start(context.Background(), "t1", func(_ context.Context, _ func() bool) (*task.Response, error) {
		panic("boom")
	})

	got := waitForTerminal(t, m, "t1")
	if got.Status != task.StatusFailed {
		t.Errorf("status = %s", got.Status)
	}
	if got.Error == "" {
		t.Error("expected panic to be recorded as an error")
	}
}

func TestCooperativeCancel(t *testing.T) {
	m := NewTaskManager(0)
	_ = m.Register(newTask("t1"))

	started := make(chan struct{})
	_ = m.Start(context.Background(), "t1", func(_ context.Context, cancelled func() bool) (*task.Response, error) {
		close(started)
		for !cancelled() {
			time.Sleep(time.Millisecond)
		}
		return nil, domain.ErrCancelled
	})

	<-started
	if err := m.Cancel("t1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got := waitForTerminal(t, m, "t1")
	if got.Status != task.StatusCancelled {
		t.Errorf("status = %s", got.Status)
	}
}

func TestCancelPendingTask(t *testing.T) {
	m := NewTaskManager(0)
	_ = m.Register(newTask("t1"))

	if err := m.Cancel("t1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, _ := m.Get("t1")
	if got.Status != task.StatusCancelled {
		t.Errorf("status = %s", got.Status)
	}

	// Cancelling again is a validation error, not a crash.
	if err := m.Cancel("t1"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("second cancel err = %v", err)
	}
}

func TestCancelUnknownTask(t *testing.T) {
	m := NewTaskManager(0)
	if err := m.Cancel("nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	m := NewTaskManager(0)
	_ = m.Register(newTask("t1"))
	if err := m.Register(newTask("t1")); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("err = %v", err)
	}
}

func TestActiveRecentStats(t *testing.T) {
	m := NewTaskManager(0)
	_ = m.Register(newTask("pending"))
	_ = m.Register(newTask("done"))

	_ = m.Start(context.Background(), "done", func(_ context.Context, _ func() bool) (*task.Response, error) {
		return &task.Response{Outcome: loop.OutcomeComplete}, nil
	})
	waitForTerminal(t, m, "done")

	active := m.Active()
	if len(active) != 1 || active[0].ID != "pending" {
		t.Errorf("active = %+v", active)
	}
	recent := m.Recent(10)
	if len(recent) != 1 || recent[0].ID != "done" {
		t.Errorf("recent = %+v", recent)
	}
	stats := m.Stats()
	if stats[task.StatusPending] != 1 || stats[task.StatusComplete] != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestSweepRespectsRetention(t *testing.T) {
	m := NewTaskManager(time.Minute)
	_ = m.Register(newTask("t1"))
	_ = m.Start(context.Background(), "t1", func(_ context.Context, _ func() bool) (*task.Response, error) {
		return &task.Response{Outcome: loop.OutcomeComplete}, nil
	})
	waitForTerminal(t, m, "t1")

	if n := m.Sweep(time.Now()); n != 0 {
		t.Fatalf("premature sweep removed %d", n)
	}
	if n := m.Sweep(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("sweep removed %d, want 1", n)
	}
	if _, ok := m.Get("t1"); ok {
		t.Error("expected swept task to be gone")
	}
}
