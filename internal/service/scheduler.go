package service

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/loopsymphony/server/internal/domain/event"
	"github.com/loopsymphony/server/internal/domain/heartbeat"
	"github.com/loopsymphony/server/internal/domain/task"
	"github.com/loopsymphony/server/internal/domain/trust"
	"github.com/loopsymphony/server/internal/middleware"
	"github.com/loopsymphony/server/internal/port/database"
	"github.com/loopsymphony/server/internal/port/messagequeue"
	"github.com/loopsymphony/server/internal/port/tool"
)

const (
	defaultSchedulerInterval = time.Minute
	defaultHealthInterval    = 5 * time.Minute
	defaultWebhookTimeout    = 10 * time.Second
)

// Scheduler fires cron heartbeats and runs the periodic health loop.
// Heartbeat tasks run at trust level 1: they were approved once at
// creation time, never per-firing.
type Scheduler struct {
	store     database.Store
	conductor *Conductor
	bus       *EventBus
	rooms     *RoomRegistry
	tools     *tool.Registry
	queue     messagequeue.Queue

	interval       time.Duration
	healthInterval time.Duration
	webhookTimeout time.Duration
	httpClient     *http.Client

	now func() time.Time
}

// SchedulerDeps wires the scheduler's collaborators. rooms, tools and
// queue are optional; without them the health loop only logs and run
// transitions stay local.
type SchedulerDeps struct {
	Store     database.Store
	Conductor *Conductor
	Bus       *EventBus
	Rooms     *RoomRegistry
	Tools     *tool.Registry
	Queue     messagequeue.Queue

	Interval       time.Duration
	HealthInterval time.Duration
	WebhookTimeout time.Duration
}

// NewScheduler creates the scheduler. Zero durations pick the defaults.
func NewScheduler(deps SchedulerDeps) *Scheduler {
	s := &Scheduler{
		store:          deps.Store,
		conductor:      deps.Conductor,
		bus:            deps.Bus,
		rooms:          deps.Rooms,
		tools:          deps.Tools,
		queue:          deps.Queue,
		interval:       deps.Interval,
		healthInterval: deps.HealthInterval,
		webhookTimeout: deps.WebhookTimeout,
		now:            time.Now,
	}
	if s.interval <= 0 {
		s.interval = defaultSchedulerInterval
	}
	if s.healthInterval <= 0 {
		s.healthInterval = defaultHealthInterval
	}
	if s.webhookTimeout <= 0 {
		s.webhookTimeout = defaultWebhookTimeout
	}
	s.httpClient = &http.Client{Timeout: s.webhookTimeout}
	return s
}

// Start launches the heartbeat and health loops until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	go s.heartbeatLoop(ctx)
	go s.healthLoop(ctx)
}

func (s *Scheduler) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if fired, err := s.Tick(ctx, s.now()); err != nil {
				slog.Error("heartbeat tick failed", "error", err)
			} else if fired > 0 {
				slog.Info("heartbeats fired", "count", fired)
			}
		}
	}
}

// Tick evaluates every active heartbeat against the minute containing
// now and fires the due ones. Returns the number fired. The database
// uniqueness on (heartbeat_id, scheduled_at) is the second line of
// defense against duplicate firings; HasRunInMinute is the first.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	hbs, err := s.store.ListActiveHeartbeats(ctx)
	if err != nil {
		return 0, err
	}

	fired := 0
	for i := range hbs {
		hb := &hbs[i]
		if !hb.Due(now) {
			continue
		}
		minute := now.In(hb.Location()).Truncate(time.Minute)

		already, err := s.store.HasRunInMinute(ctx, hb.ID, minute)
		if err != nil {
			slog.Warn("duplicate-fire check failed", "heartbeat_id", hb.ID, "error", err)
			continue
		}
		if already {
			continue
		}
		if err := s.fire(ctx, hb, minute); err != nil {
			slog.Error("heartbeat firing failed", "heartbeat_id", hb.ID, "name", hb.Name, "error", err)
			continue
		}
		fired++
	}
	return fired, nil
}

// fire materializes one heartbeat run and submits its task.
func (s *Scheduler) fire(ctx context.Context, hb *heartbeat.Heartbeat, minute time.Time) error {
	hctx := middleware.WithAppID(ctx, hb.AppID)
	if hb.UserID != "" {
		hctx = middleware.WithUserID(hctx, hb.UserID)
	}

	userName := hb.UserID
	if hb.UserID != "" {
		if profile, err := s.store.EnsureUserProfile(hctx, hb.UserID); err == nil && profile.Name != "" {
			userName = profile.Name
		}
	}
	localNow := minute.In(hb.Location())
	query := heartbeat.ExpandTemplate(hb.QueryTemplate, localNow, userName, hb.Name)

	run := &heartbeat.Run{
		ID:          uuid.NewString(),
		HeartbeatID: hb.ID,
		AppID:       hb.AppID,
		Status:      heartbeat.RunPending,
		ScheduledAt: minute,
	}
	if err := s.store.CreateHeartbeatRun(hctx, run); err != nil {
		return err
	}

	req := &task.Request{Query: query, Context: s.requestContext(hb, localNow, userName)}
	resp, err := s.conductor.SubmitWithTrust(hctx, req, trust.LevelFullVisibility)
	if err != nil {
		run.Status = heartbeat.RunFailed
		run.Error = err.Error()
		s.completeRun(hctx, run)
		return err
	}

	run.TaskID = resp.TaskID
	run.Status = heartbeat.RunRunning
	if err := s.store.UpdateHeartbeatRun(hctx, run); err != nil {
		slog.Warn("failed to persist heartbeat run", "run_id", run.ID, "error", err)
	}
	s.publishRun(hctx, run)

	go s.watchRun(context.WithoutCancel(hctx), hb, run)
	return nil
}

// publishRun announces a run transition on the message bus so sibling
// processes can follow heartbeat activity.
func (s *Scheduler) publishRun(ctx context.Context, run *heartbeat.Run) {
	if s.queue == nil {
		return
	}
	data, err := json.Marshal(messagequeue.HeartbeatRunPayload{
		RunID:       run.ID,
		HeartbeatID: run.HeartbeatID,
		TaskID:      run.TaskID,
		Status:      string(run.Status),
		ScheduledAt: run.ScheduledAt,
	})
	if err != nil {
		return
	}
	if err := s.queue.Publish(ctx, messagequeue.SubjectHeartbeatRun, data); err != nil {
		slog.Warn("heartbeat run publish failed", "run_id", run.ID, "error", err)
	}
}

// requestContext expands the optional context template into the
// request envelope.
func (s *Scheduler) requestContext(hb *heartbeat.Heartbeat, localNow time.Time, userName string) *task.RequestContext {
	if len(hb.ContextTemplate) == 0 {
		return nil
	}
	rc := &task.RequestContext{}
	if v, ok := hb.ContextTemplate["conversation_summary"].(string); ok {
		rc.ConversationSummary = heartbeat.ExpandTemplate(v, localNow, userName, hb.Name)
	}
	if v, ok := hb.ContextTemplate["location"].(string); ok {
		rc.Location = v
	}
	if v, ok := hb.ContextTemplate["goal"].(string); ok {
		rc.Goal = heartbeat.ExpandTemplate(v, localNow, userName, hb.Name)
	}
	return rc
}

// watchRun follows the task's event topic to its terminal event, then
// records the run outcome and fires the webhook.
func (s *Scheduler) watchRun(ctx context.Context, hb *heartbeat.Heartbeat, run *heartbeat.Run) {
	sub := s.bus.Subscribe(run.TaskID)
	defer sub.Close()

	var terminal *event.Event
	for ev := range sub.Events() {
		if ev.Type.IsTerminal() {
			terminal = &ev
			break
		}
	}
	if terminal == nil {
		// Topic closed without a terminal event; treat as failed.
		run.Status = heartbeat.RunFailed
		run.Error = "task stream closed without a terminal event"
		s.completeRun(ctx, run)
		return
	}

	switch terminal.Type {
	case event.TypeComplete:
		run.Status = heartbeat.RunComplete
	case event.TypeCancelled:
		run.Status = heartbeat.RunFailed
		run.Error = "task was cancelled"
	default:
		run.Status = heartbeat.RunFailed
		var payload event.ErrorPayload
		if json.Unmarshal(terminal.Payload, &payload) == nil {
			run.Error = payload.Error
		}
	}
	s.completeRun(ctx, run)
	s.fireWebhook(ctx, hb, run, terminal)
}

func (s *Scheduler) completeRun(ctx context.Context, run *heartbeat.Run) {
	now := time.Now().UTC()
	run.CompletedAt = &now
	if err := s.store.UpdateHeartbeatRun(ctx, run); err != nil {
		slog.Warn("failed to persist heartbeat run", "run_id", run.ID, "error", err)
	}
	s.publishRun(ctx, run)
}

// fireWebhook POSTs the run outcome to the heartbeat's webhook URL.
// Fire-and-forget: failures are logged, never retried.
func (s *Scheduler) fireWebhook(ctx context.Context, hb *heartbeat.Heartbeat, run *heartbeat.Run, terminal *event.Event) {
	if hb.WebhookURL == "" {
		return
	}
	body, err := json.Marshal(map[string]any{
		"heartbeat_id":   hb.ID,
		"heartbeat_name": hb.Name,
		"run_id":         run.ID,
		"task_id":        run.TaskID,
		"status":         run.Status,
		"event":          terminal,
	})
	if err != nil {
		return
	}

	wctx, cancel := context.WithTimeout(ctx, s.webhookTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(wctx, http.MethodPost, hb.WebhookURL, bytes.NewReader(body))
	if err != nil {
		slog.Warn("webhook request build failed", "heartbeat_id", hb.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		slog.Warn("webhook delivery failed", "heartbeat_id", hb.ID, "url", hb.WebhookURL, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Warn("webhook rejected", "heartbeat_id", hb.ID, "status", resp.StatusCode)
	}
}

// healthLoop sweeps stale rooms and probes the registered tools.
func (s *Scheduler) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.healthCheck(ctx)
		}
	}
}

func (s *Scheduler) healthCheck(ctx context.Context) {
	if s.rooms != nil {
		if stale := s.rooms.Sweep(s.now()); len(stale) > 0 {
			slog.Warn("rooms went offline", "room_ids", stale)
		}
	}
	if s.tools != nil {
		for name, err := range s.tools.HealthCheckAll(ctx) {
			if err != nil {
				slog.Warn("tool health check failed", "tool", name, "error", err)
			}
		}
	}
	if err := s.store.Ping(ctx); err != nil {
		slog.Error("database health check failed", "error", err)
	}
}
