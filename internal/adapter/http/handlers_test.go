package http

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/loopsymphony/server/internal/domain"
	"github.com/loopsymphony/server/internal/domain/app"
	"github.com/loopsymphony/server/internal/domain/knowledge"
	"github.com/loopsymphony/server/internal/domain/task"
	"github.com/loopsymphony/server/internal/domain/trust"
	"github.com/loopsymphony/server/internal/middleware"
	"github.com/loopsymphony/server/internal/port/database"
	"github.com/loopsymphony/server/internal/port/tool"
	"github.com/loopsymphony/server/internal/service"
)

// stubTool answers every capability with a canned response.
type stubTool struct{}

func (stubTool) Name() string { return "stub" }
func (stubTool) Capabilities() []tool.Capability {
	return []tool.Capability{tool.CapReasoning, tool.CapVision, tool.CapSynthesis, tool.CapWebSearch}
}
func (stubTool) Version() string                    { return "test" }
func (stubTool) HealthCheck(context.Context) error  { return nil }
func (stubTool) Invoke(context.Context, tool.Request) (*tool.Response, error) {
	return &tool.Response{Content: "stub answer"}, nil
}

// stubStore is an in-memory database.Store covering what the handlers
// touch. Everything is keyed per app id taken from the context.
type stubStore struct {
	database.Store

	mu       sync.Mutex
	tasks    map[string]*task.Task
	trust    map[string]*trust.Metrics
	cpByTask map[string][]task.IterationCheckpoint
}

func newStubStore() *stubStore {
	return &stubStore{
		tasks:    make(map[string]*task.Task),
		trust:    make(map[string]*trust.Metrics),
		cpByTask: make(map[string][]task.IterationCheckpoint),
	}
}

func (s *stubStore) EnsureUserProfile(_ context.Context, externalUserID string) (*app.UserProfile, error) {
	return &app.UserProfile{ExternalUserID: externalUserID}, nil
}

func (s *stubStore) CreateTask(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *stubStore) GetTask(_ context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *stubStore) UpdateTaskStatus(_ context.Context, id string, status task.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.Status = status
	}
	return nil
}

func (s *stubStore) CompleteTask(_ context.Context, id string, status task.Status, resp *task.Response, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.Status = status
		t.Response = resp
		t.Error = errMsg
	}
	return nil
}

func (s *stubStore) CreateCheckpoint(_ context.Context, cp *task.IterationCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cpByTask[cp.TaskID] = append(s.cpByTask[cp.TaskID], *cp)
	return nil
}

func (s *stubStore) ListCheckpoints(_ context.Context, taskID string) ([]task.IterationCheckpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]task.IterationCheckpoint(nil), s.cpByTask[taskID]...), nil
}

func (s *stubStore) trustKey(ctx context.Context, userID string) string {
	return middleware.AppIDFromContext(ctx) + "/" + userID
}

func (s *stubStore) GetTrustMetrics(ctx context.Context, userID string) (*trust.Metrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.trust[s.trustKey(ctx, userID)]; ok {
		cp := *m
		return &cp, nil
	}
	return &trust.Metrics{AppID: middleware.AppIDFromContext(ctx), UserID: userID}, nil
}

func (s *stubStore) UpsertTrustMetrics(ctx context.Context, m *trust.Metrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.trust[s.trustKey(ctx, m.UserID)] = &cp
	return nil
}

func (s *stubStore) SetTrustLevel(ctx context.Context, userID string, level trust.Level) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.trustKey(ctx, userID)
	m, ok := s.trust[k]
	if !ok {
		m = &trust.Metrics{AppID: middleware.AppIDFromContext(ctx), UserID: userID}
		s.trust[k] = m
	}
	m.CurrentTrustLevel = level
	return nil
}

func (s *stubStore) ListKnowledgeSince(context.Context, int64) ([]knowledge.Entry, error) {
	return nil, nil
}

func (s *stubStore) UpsertRoomSyncState(context.Context, string, int64) error { return nil }

func (s *stubStore) Ping(context.Context) error { return nil }

// stubValidator accepts any key and uses it verbatim as the app id.
type stubValidator struct{}

func (stubValidator) ValidateAPIKey(_ context.Context, apiKey string) (*app.App, error) {
	return &app.App{ID: apiKey, Name: apiKey, Active: true}, nil
}

type apiFixture struct {
	server   *httptest.Server
	handlers *Handlers
	manager  *service.TaskManager
	bus      *service.EventBus
	store    *stubStore
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	store := newStubStore()
	reg := tool.NewRegistry()
	reg.Register(stubTool{})
	opts := service.InstrumentOptions{ResearchIterations: 2}
	set, err := service.NewInstrumentSet(reg, opts)
	if err != nil {
		t.Fatalf("NewInstrumentSet: %v", err)
	}

	manager := service.NewTaskManager(time.Minute)
	approvals := service.NewApprovalStore(manager, time.Hour)
	bus := service.NewEventBus(0, 0)
	tracker := service.NewTrustTracker(store)
	conductor := service.NewConductor(service.ConductorDeps{
		Store:       store,
		Instruments: set,
		Manager:     manager,
		Approvals:   approvals,
		Bus:         bus,
		Trust:       tracker,
	})

	h := &Handlers{
		Conductor:         conductor,
		Manager:           manager,
		Approvals:         approvals,
		Bus:               bus,
		Trust:             tracker,
		Rooms:             service.NewRoomRegistry(store, time.Minute, []string{"reasoning"}),
		Scheduler:         service.NewScheduler(service.SchedulerDeps{Store: store, Conductor: conductor, Bus: bus}),
		Instruments:       set,
		Tools:             reg,
		Store:             store,
		InstrumentOptions: opts,
	}

	r := chi.NewRouter()
	r.Use(middleware.Auth(stubValidator{}))
	MountRoutes(r, h)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &apiFixture{server: srv, handlers: h, manager: manager, bus: bus, store: store}
}

func (f *apiFixture) do(t *testing.T, method, path, body string, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var rd *strings.Reader
	if body != "" {
		rd = strings.NewReader(body)
	} else {
		rd = strings.NewReader("")
	}
	req, err := http.NewRequest(method, f.server.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do %s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (f *apiFixture) waitTerminal(t *testing.T, taskID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tk, ok := f.manager.Get(taskID); ok && tk.Status.IsTerminal() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("task %s never terminal", taskID)
}

func TestSubmitAndPoll(t *testing.T) {
	fx := newAPIFixture(t)

	resp, body := fx.do(t, http.MethodPost, "/task",
		`{"query":"capital of France?","preferences":{"trust_level":1}}`,
		map[string]string{"X-Api-Key": "app-a", "X-User-Id": "u1"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	taskID, _ := body["task_id"].(string)
	if taskID == "" || body["status"] != "pending" {
		t.Fatalf("body = %v", body)
	}

	fx.waitTerminal(t, taskID)

	resp, body = fx.do(t, http.MethodGet, "/task/"+taskID, "",
		map[string]string{"X-Api-Key": "app-a", "X-User-Id": "u1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("poll status = %d", resp.StatusCode)
	}
	if body["status"] != "complete" {
		t.Fatalf("body = %v", body)
	}
	response, _ := body["response"].(map[string]any)
	if response == nil || response["summary"] != "stub answer" {
		t.Errorf("response = %v", response)
	}
}

func TestSubmitValidationError(t *testing.T) {
	fx := newAPIFixture(t)
	resp, body := fx.do(t, http.MethodPost, "/task", `{"query":""}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
}

func TestTrustZeroApprovalFlow(t *testing.T) {
	fx := newAPIFixture(t)
	hdr := map[string]string{"X-Api-Key": "app-a", "X-User-Id": "u1"}

	resp, body := fx.do(t, http.MethodPost, "/task",
		`{"query":"quick fact","preferences":{"trust_level":0}}`, hdr)
	if resp.StatusCode != http.StatusAccepted || body["status"] != "awaiting_approval" {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["plan"] == nil {
		t.Fatal("no plan returned")
	}
	taskID := body["task_id"].(string)

	// Poll still reports awaiting approval.
	_, body = fx.do(t, http.MethodGet, "/task/"+taskID, "", hdr)
	if body["status"] != "awaiting_approval" {
		t.Fatalf("poll body = %v", body)
	}

	resp, _ = fx.do(t, http.MethodPost, "/task/"+taskID+"/approve", "", hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve status = %d", resp.StatusCode)
	}
	fx.waitTerminal(t, taskID)

	_, body = fx.do(t, http.MethodGet, "/task/"+taskID, "", hdr)
	if body["status"] != "complete" {
		t.Errorf("body = %v", body)
	}
}

func TestGetTaskUnknown(t *testing.T) {
	fx := newAPIFixture(t)
	resp, _ := fx.do(t, http.MethodGet, "/task/nope", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestCrossAppIsolation(t *testing.T) {
	fx := newAPIFixture(t)
	hdrA := map[string]string{"X-Api-Key": "app-a", "X-User-Id": "u1"}
	hdrB := map[string]string{"X-Api-Key": "app-b", "X-User-Id": "u1"}

	_, body := fx.do(t, http.MethodPost, "/task",
		`{"query":"app a task","preferences":{"trust_level":1}}`, hdrA)
	taskID := body["task_id"].(string)
	fx.waitTerminal(t, taskID)

	// App B cannot see app A's task, by id or in listings.
	resp, _ := fx.do(t, http.MethodGet, "/task/"+taskID, "", hdrB)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("cross-app read status = %d", resp.StatusCode)
	}
	_, body = fx.do(t, http.MethodGet, "/tasks/recent", "", hdrB)
	if tasks, _ := body["tasks"].([]any); len(tasks) != 0 {
		t.Errorf("app-b sees %d tasks", len(tasks))
	}
	_, body = fx.do(t, http.MethodGet, "/tasks/recent", "", hdrA)
	if tasks, _ := body["tasks"].([]any); len(tasks) != 1 {
		t.Errorf("app-a sees %d tasks", len(tasks))
	}
}

func TestTrustEndpointsRequireAuth(t *testing.T) {
	fx := newAPIFixture(t)
	resp, _ := fx.do(t, http.MethodGet, "/trust/metrics", "", map[string]string{"X-User-Id": "u1"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d", resp.StatusCode)
	}

	resp, body := fx.do(t, http.MethodPut, "/trust/level", `{"trust_level":2}`,
		map[string]string{"X-Api-Key": "app-a", "X-User-Id": "u1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["trust_level"] != float64(2) {
		t.Errorf("body = %v", body)
	}

	resp, _ = fx.do(t, http.MethodPut, "/trust/level", `{"trust_level":7}`,
		map[string]string{"X-Api-Key": "app-a", "X-User-Id": "u1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid level status = %d", resp.StatusCode)
	}
}

func TestMinimalSurfaceForLevelTwo(t *testing.T) {
	fx := newAPIFixture(t)
	hdr := map[string]string{"X-Api-Key": "app-a", "X-User-Id": "u2"}

	if resp, _ := fx.do(t, http.MethodPut, "/trust/level", `{"trust_level":2}`, hdr); resp.StatusCode != http.StatusOK {
		t.Fatalf("set level status = %d", resp.StatusCode)
	}

	_, body := fx.do(t, http.MethodPost, "/task", `{"query":"minimal surface"}`, hdr)
	taskID := body["task_id"].(string)
	fx.waitTerminal(t, taskID)

	_, body = fx.do(t, http.MethodGet, "/task/"+taskID, "", hdr)
	if body["summary"] != "stub answer" || body["outcome"] == nil {
		t.Fatalf("minimal body = %v", body)
	}
	if body["response"] != nil {
		t.Errorf("full response leaked: %v", body)
	}

	_, body = fx.do(t, http.MethodGet, "/task/"+taskID+"?full=true", "", hdr)
	if body["response"] == nil {
		t.Errorf("explicit full request elided: %v", body)
	}
}

func TestSSEStreamReplaysAndCloses(t *testing.T) {
	fx := newAPIFixture(t)
	hdr := map[string]string{"X-Api-Key": "app-a", "X-User-Id": "u1"}

	_, body := fx.do(t, http.MethodPost, "/task",
		`{"query":"stream me","preferences":{"trust_level":1}}`, hdr)
	taskID := body["task_id"].(string)
	fx.waitTerminal(t, taskID)

	req, _ := http.NewRequest(http.MethodGet, fx.server.URL+"/task/"+taskID+"/stream", nil)
	req.Header.Set("X-Api-Key", "app-a")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var eventTypes []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventTypes = append(eventTypes, strings.TrimPrefix(line, "event: "))
		}
	}
	if len(eventTypes) < 2 {
		t.Fatalf("events = %v", eventTypes)
	}
	if eventTypes[0] != "started" || eventTypes[len(eventTypes)-1] != "complete" {
		t.Errorf("events = %v", eventTypes)
	}
}

func TestRoomLifecycleAndStatus(t *testing.T) {
	fx := newAPIFixture(t)

	resp, _ := fx.do(t, http.MethodPost, "/rooms/register",
		`{"room_id":"laptop","room_name":"Laptop","room_type":"local","url":"http://laptop.local","capabilities":["reasoning"]}`, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", resp.StatusCode)
	}

	resp, body := fx.do(t, http.MethodPost, "/rooms/heartbeat",
		`{"room_id":"laptop","load":0.2,"capabilities":["reasoning"]}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat status = %d, body = %v", resp.StatusCode, body)
	}

	_, body = fx.do(t, http.MethodGet, "/rooms/status", "", nil)
	online, _ := body["online"].([]any)
	if len(online) != 2 { // server + laptop
		t.Errorf("online = %v", online)
	}

	resp, _ = fx.do(t, http.MethodPost, "/rooms/deregister", `{"room_id":"laptop"}`, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("deregister status = %d", resp.StatusCode)
	}
	resp, _ = fx.do(t, http.MethodGet, "/rooms/laptop", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after deregister = %d", resp.StatusCode)
	}
}

func TestRegisterLoop(t *testing.T) {
	fx := newAPIFixture(t)

	spec := `{"name":"triage","phases":["assess","gather","decide"],"max_iterations":2,"required_capabilities":["reasoning"]}`
	resp, _ := fx.do(t, http.MethodPost, "/loops/register", spec, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	// Duplicate names are refused.
	resp, _ = fx.do(t, http.MethodPost, "/loops/register", spec, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate status = %d", resp.StatusCode)
	}

	_, body := fx.do(t, http.MethodGet, "/loops", "", nil)
	names, _ := body["instruments"].([]any)
	found := false
	for _, n := range names {
		if n == "triage" {
			found = true
		}
	}
	if !found {
		t.Errorf("instruments = %v", names)
	}
}

func TestHealthEndpoints(t *testing.T) {
	fx := newAPIFixture(t)
	for _, path := range []string{"/health", "/health/system", "/health/database"} {
		resp, body := fx.do(t, http.MethodGet, path, "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d, body = %v", path, resp.StatusCode, body)
		}
	}
}
