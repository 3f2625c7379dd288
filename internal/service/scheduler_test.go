package service

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loopsymphony/server/internal/domain/heartbeat"
	"github.com/loopsymphony/server/internal/domain/room"
	"github.com/loopsymphony/server/internal/domain/task"
	"github.com/loopsymphony/server/internal/port/messagequeue"
)

// capturingQueue records published messages, rejecting any payload that
// fails schema validation.
type capturingQueue struct {
	mu       sync.Mutex
	messages []capturedMessage
}

type capturedMessage struct {
	subject string
	data    []byte
}

func (q *capturingQueue) Publish(_ context.Context, subject string, data []byte) error {
	if err := messagequeue.Validate(subject, data); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, capturedMessage{subject: subject, data: data})
	return nil
}

func (q *capturingQueue) Subscribe(context.Context, string, messagequeue.Handler) (func(), error) {
	return func() {}, nil
}

func (q *capturingQueue) Close() error { return nil }

func (q *capturingQueue) onSubject(subject string) []capturedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []capturedMessage
	for _, m := range q.messages {
		if m.subject == subject {
			out = append(out, m)
		}
	}
	return out
}

type schedulerMockStore struct {
	*conductorMockStore

	hmu        sync.Mutex
	heartbeats []heartbeat.Heartbeat
	runs       map[string]*heartbeat.Run
	ranMinutes map[string]bool // heartbeat_id + minute
}

func newSchedulerMockStore() *schedulerMockStore {
	return &schedulerMockStore{
		conductorMockStore: newConductorMockStore(),
		runs:               make(map[string]*heartbeat.Run),
		ranMinutes:         make(map[string]bool),
	}
}

func (s *schedulerMockStore) ListActiveHeartbeats(context.Context) ([]heartbeat.Heartbeat, error) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	var out []heartbeat.Heartbeat
	for _, hb := range s.heartbeats {
		if hb.IsActive {
			out = append(out, hb)
		}
	}
	return out, nil
}

func (s *schedulerMockStore) HasRunInMinute(_ context.Context, heartbeatID string, minute time.Time) (bool, error) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return s.ranMinutes[heartbeatID+"/"+minute.UTC().Format(time.RFC3339)], nil
}

func (s *schedulerMockStore) CreateHeartbeatRun(_ context.Context, r *heartbeat.Run) error {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	cp := *r
	s.runs[r.ID] = &cp
	s.ranMinutes[r.HeartbeatID+"/"+r.ScheduledAt.UTC().Format(time.RFC3339)] = true
	return nil
}

func (s *schedulerMockStore) UpdateHeartbeatRun(_ context.Context, r *heartbeat.Run) error {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	cp := *r
	s.runs[r.ID] = &cp
	return nil
}

func (s *schedulerMockStore) Ping(context.Context) error { return nil }

func (s *schedulerMockStore) runStatuses() map[string]heartbeat.RunStatus {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	out := make(map[string]heartbeat.RunStatus, len(s.runs))
	for id, r := range s.runs {
		out[id] = r.Status
	}
	return out
}

func (s *schedulerMockStore) singleRun(t *testing.T) *heartbeat.Run {
	t.Helper()
	s.hmu.Lock()
	defer s.hmu.Unlock()
	if len(s.runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(s.runs))
	}
	for _, r := range s.runs {
		cp := *r
		return &cp
	}
	return nil
}

type schedulerFixture struct {
	scheduler *Scheduler
	store     *schedulerMockStore
	manager   *TaskManager
	bus       *EventBus
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()
	store := newSchedulerMockStore()
	manager := NewTaskManager(time.Minute)
	bus := NewEventBus(0, 0)

	reg, _, _ := testRegistry(nil, nil)
	set, err := NewInstrumentSet(reg, InstrumentOptions{ResearchIterations: 2})
	if err != nil {
		t.Fatalf("NewInstrumentSet: %v", err)
	}
	conductor := NewConductor(ConductorDeps{
		Store:       store,
		Instruments: set,
		Manager:     manager,
		Approvals:   NewApprovalStore(manager, time.Hour),
		Bus:         bus,
		Trust:       NewTrustTracker(store),
	})
	return &schedulerFixture{
		scheduler: NewScheduler(SchedulerDeps{
			Store:     store,
			Conductor: conductor,
			Bus:       bus,
			Tools:     reg,
		}),
		store:   store,
		manager: manager,
		bus:     bus,
	}
}

func (f *schedulerFixture) waitRunStatus(t *testing.T, runID string, want heartbeat.RunStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.store.runStatuses()[runID] == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %s (got %s)", runID, want, f.store.runStatuses()[runID])
}

func everyMinute(id, name string) heartbeat.Heartbeat {
	return heartbeat.Heartbeat{
		ID:             id,
		AppID:          "app-1",
		UserID:         "u1",
		Name:           name,
		QueryTemplate:  "Daily brief for {date}",
		CronExpression: "* * * * *",
		IsActive:       true,
	}
}

func TestTickFiresDueHeartbeat(t *testing.T) {
	fx := newSchedulerFixture(t)
	fx.store.heartbeats = []heartbeat.Heartbeat{everyMinute("hb-1", "morning brief")}

	now := time.Date(2026, 3, 5, 8, 30, 12, 0, time.UTC)
	fired, err := fx.scheduler.Tick(context.Background(), now)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if fired != 1 {
		t.Fatalf("fired = %d", fired)
	}

	run := fx.store.singleRun(t)
	if run.TaskID == "" {
		t.Fatal("run has no task")
	}
	if !run.ScheduledAt.Equal(time.Date(2026, 3, 5, 8, 30, 0, 0, time.UTC)) {
		t.Errorf("scheduled_at = %v", run.ScheduledAt)
	}
	fx.waitRunStatus(t, run.ID, heartbeat.RunComplete)

	// The submitted query had its template placeholders expanded.
	tk, err := fx.store.GetTask(context.Background(), run.TaskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if tk.Request.Query != "Daily brief for 2026-03-05" {
		t.Errorf("query = %q", tk.Request.Query)
	}
	if tk.Status == task.StatusAwaitingApproval {
		t.Error("heartbeat task was parked for approval")
	}
}

func TestTickSuppressesDuplicateFire(t *testing.T) {
	fx := newSchedulerFixture(t)
	fx.store.heartbeats = []heartbeat.Heartbeat{everyMinute("hb-1", "brief")}

	now := time.Date(2026, 3, 5, 8, 30, 5, 0, time.UTC)
	if fired, _ := fx.scheduler.Tick(context.Background(), now); fired != 1 {
		t.Fatalf("first tick fired = %d", fired)
	}
	// Second tick within the same minute must not fire again.
	if fired, _ := fx.scheduler.Tick(context.Background(), now.Add(20*time.Second)); fired != 0 {
		t.Errorf("second tick fired")
	}
	// The next minute fires normally.
	if fired, _ := fx.scheduler.Tick(context.Background(), now.Add(time.Minute)); fired != 1 {
		t.Errorf("next minute did not fire")
	}
}

func TestTickSkipsNotDueAndInactive(t *testing.T) {
	fx := newSchedulerFixture(t)
	daily := everyMinute("hb-1", "daily")
	daily.CronExpression = "0 9 * * *"
	inactive := everyMinute("hb-2", "paused")
	inactive.IsActive = false
	fx.store.heartbeats = []heartbeat.Heartbeat{daily, inactive}

	now := time.Date(2026, 3, 5, 12, 34, 0, 0, time.UTC)
	fired, err := fx.scheduler.Tick(context.Background(), now)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if fired != 0 {
		t.Errorf("fired = %d", fired)
	}
	if len(fx.store.runStatuses()) != 0 {
		t.Errorf("runs created for a not-due heartbeat")
	}
}

func TestTickHonorsTimezone(t *testing.T) {
	fx := newSchedulerFixture(t)
	hb := everyMinute("hb-1", "tokyo brief")
	hb.CronExpression = "0 9 * * *"
	hb.Timezone = "Asia/Tokyo"
	fx.store.heartbeats = []heartbeat.Heartbeat{hb}

	// 00:00 UTC is 09:00 in Tokyo.
	fired, err := fx.scheduler.Tick(context.Background(), time.Date(2026, 3, 5, 0, 0, 30, 0, time.UTC))
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if fired != 1 {
		t.Errorf("fired = %d, want the Tokyo-morning firing", fired)
	}
}

func TestWebhookFiredOnCompletion(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fx := newSchedulerFixture(t)
	hb := everyMinute("hb-1", "with webhook")
	hb.WebhookURL = srv.URL
	fx.store.heartbeats = []heartbeat.Heartbeat{hb}

	if fired, _ := fx.scheduler.Tick(context.Background(), time.Now().UTC()); fired != 1 {
		t.Fatal("heartbeat did not fire")
	}

	select {
	case body := <-received:
		if !strings.Contains(body, `"heartbeat_id":"hb-1"`) || !strings.Contains(body, `"status":"complete"`) {
			t.Errorf("webhook body = %s", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never delivered")
	}
}

func TestRunTransitionsPublished(t *testing.T) {
	fx := newSchedulerFixture(t)
	queue := &capturingQueue{}
	fx.scheduler.queue = queue
	fx.store.heartbeats = []heartbeat.Heartbeat{everyMinute("hb-1", "brief")}

	if fired, _ := fx.scheduler.Tick(context.Background(), time.Now().UTC()); fired != 1 {
		t.Fatal("heartbeat did not fire")
	}
	run := fx.store.singleRun(t)
	fx.waitRunStatus(t, run.ID, heartbeat.RunComplete)

	deadline := time.Now().Add(2 * time.Second)
	var msgs []capturedMessage
	for time.Now().Before(deadline) {
		msgs = queue.onSubject(messagequeue.SubjectHeartbeatRun)
		if len(msgs) >= 2 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if len(msgs) < 2 {
		t.Fatalf("heartbeat run publishes = %d, want running + complete", len(msgs))
	}

	var last messagequeue.HeartbeatRunPayload
	if err := json.Unmarshal(msgs[len(msgs)-1].data, &last); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if last.RunID != run.ID || last.HeartbeatID != "hb-1" {
		t.Errorf("payload = %+v", last)
	}
	if last.Status != string(heartbeat.RunComplete) {
		t.Errorf("final published status = %q", last.Status)
	}
}

func TestHealthCheckSweepsStaleRooms(t *testing.T) {
	registry := NewRoomRegistry(newRoomMockStore(), 50*time.Millisecond, []string{"reasoning"})
	if err := registry.Register(context.Background(), localRoom("laptop")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	fx := newSchedulerFixture(t)
	fx.scheduler.rooms = registry
	fx.scheduler.now = func() time.Time { return time.Now().Add(time.Minute) }

	fx.scheduler.healthCheck(context.Background())

	rm, err := registry.Get("laptop")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rm.Status != room.StatusOffline {
		t.Errorf("status = %s", rm.Status)
	}
}
