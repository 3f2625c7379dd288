package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loopsymphony/server/internal/adapter/otel"
	"github.com/loopsymphony/server/internal/domain"
	"github.com/loopsymphony/server/internal/domain/event"
	"github.com/loopsymphony/server/internal/domain/loop"
	"github.com/loopsymphony/server/internal/domain/room"
	"github.com/loopsymphony/server/internal/domain/task"
	"github.com/loopsymphony/server/internal/domain/trust"
	"github.com/loopsymphony/server/internal/middleware"
	"github.com/loopsymphony/server/internal/port/broadcast"
	"github.com/loopsymphony/server/internal/port/database"
	"github.com/loopsymphony/server/internal/port/messagequeue"
	"github.com/loopsymphony/server/internal/port/notifier"
	"github.com/loopsymphony/server/internal/workpool"
)

// routeQueryLengthThreshold pushes long queries to the research loop.
const routeQueryLengthThreshold = 200

// routeWordThreshold pushes multi-part queries to the research loop.
const routeWordThreshold = 20

// researchKeywords route a query to the research loop when present.
var researchKeywords = []string{
	"research", "find", "search", "look up", "investigate", "explore",
	"discover", "latest", "recent", "current", "news", "developments",
	"trends", "compare", "comparison", "review", "analysis",
	"what are the best", "how do i", "guide", "tutorial",
}

// complexPatterns mark queries whose structure needs more than a
// single-pass answer.
var complexPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\band\b.*\band\b`),
	regexp.MustCompile(`\bvs\.?\b`),
	regexp.MustCompile(`\bversus\b`),
	regexp.MustCompile(`\bdifference between\b`),
	regexp.MustCompile(`\bpros and cons\b`),
	regexp.MustCompile(`\badvantages\b.*\bdisadvantages\b`),
}

// RoomDelegator sends a sub-task to a sibling room and normalizes the
// terminal response. Satisfied by the room adapter client.
type RoomDelegator interface {
	Delegate(ctx context.Context, rm *room.Room, req *task.Request) (*loop.InstrumentResult, error)
}

// Conductor routes requests to instruments, applies the trust gate,
// injects runtime callbacks and owns the task lifecycle end to end.
type Conductor struct {
	store       database.Store
	instruments *InstrumentSet
	manager     *TaskManager
	approvals   *ApprovalStore
	bus         *EventBus
	trust       *TrustTracker
	rooms       *RoomRegistry
	delegator   RoomDelegator
	queue       messagequeue.Queue
	broadcaster broadcast.Broadcaster
	notify      notifier.Notifier
	metrics     *otel.Metrics
	pool        *workpool.Pool

	maxSpawnDepth int
}

// ConductorDeps wires the conductor's collaborators. rooms, delegator,
// queue, broadcaster, notify and metrics are optional.
type ConductorDeps struct {
	Store       database.Store
	Instruments *InstrumentSet
	Manager     *TaskManager
	Approvals   *ApprovalStore
	Bus         *EventBus
	Trust       *TrustTracker
	Rooms       *RoomRegistry
	Delegator   RoomDelegator
	Queue       messagequeue.Queue
	Broadcaster broadcast.Broadcaster
	Notifier    notifier.Notifier
	Metrics     *otel.Metrics
	Pool        *workpool.Pool

	MaxSpawnDepth int
}

// NewConductor creates the conductor.
func NewConductor(deps ConductorDeps) *Conductor {
	maxDepth := deps.MaxSpawnDepth
	if maxDepth <= 0 {
		maxDepth = 3
	}
	return &Conductor{
		store:         deps.Store,
		instruments:   deps.Instruments,
		manager:       deps.Manager,
		approvals:     deps.Approvals,
		bus:           deps.Bus,
		trust:         deps.Trust,
		rooms:         deps.Rooms,
		delegator:     deps.Delegator,
		queue:         deps.Queue,
		broadcaster:   deps.Broadcaster,
		notify:        deps.Notifier,
		metrics:       deps.Metrics,
		pool:          deps.Pool,
		maxSpawnDepth: maxDepth,
	}
}

// Route picks the instrument for a request. First match wins: image
// attachments go to vision; research intent, research-flavored wording,
// structurally complex or long queries and the thorough preference go
// to research; everything else to note.
func (c *Conductor) Route(req *task.Request) string {
	if req.Context != nil && len(ParseImageAttachments(req.Context.Attachments)) > 0 {
		return "vision"
	}
	if req.Intent != nil && req.Intent.Type == task.IntentResearch {
		return "research"
	}

	query := strings.ToLower(req.Query)
	for _, kw := range researchKeywords {
		if strings.Contains(query, kw) {
			return "research"
		}
	}
	for _, p := range complexPatterns {
		if p.MatchString(query) {
			return "research"
		}
	}
	if len(strings.Fields(query)) > routeWordThreshold || len(req.Query) > routeQueryLengthThreshold {
		return "research"
	}
	if strings.Count(query, "?") > 1 {
		return "research"
	}
	if req.Preferences != nil && req.Preferences.Thoroughness == "thorough" {
		return "research"
	}
	return "note"
}

// Submit validates, persists and trust-gates a new task. Trust level 0
// parks the plan for approval; levels 1 and 2 start execution
// immediately.
func (c *Conductor) Submit(ctx context.Context, req *task.Request) (*task.SubmitResponse, error) {
	return c.submit(ctx, req, nil)
}

// SubmitWithTrust bypasses the stored trust level; the scheduler uses
// it to run heartbeat tasks at level 1 without approval.
func (c *Conductor) SubmitWithTrust(ctx context.Context, req *task.Request, level trust.Level) (*task.SubmitResponse, error) {
	return c.submit(ctx, req, &level)
}

func (c *Conductor) submit(ctx context.Context, req *task.Request, forcedLevel *trust.Level) (*task.SubmitResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	appID := middleware.AppIDFromContext(ctx)
	userID := middleware.UserIDFromContext(ctx)
	if userID != "" {
		if _, err := c.store.EnsureUserProfile(ctx, userID); err != nil {
			slog.Warn("failed to ensure user profile", "user_id", userID, "error", err)
		}
	}

	level := trust.LevelFullVisibility
	if forcedLevel != nil {
		level = *forcedLevel
	} else {
		var requested *int
		if req.Preferences != nil {
			requested = req.Preferences.TrustLevel
		}
		var err error
		level, err = c.trust.EffectiveLevel(ctx, userID, requested)
		if err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	t := &task.Task{
		ID:        uuid.NewString(),
		AppID:     appID,
		UserID:    userID,
		Request:   req,
		Status:    task.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if level == trust.LevelApprovalRequired {
		t.Status = task.StatusAwaitingApproval
	}

	instrumentName := c.Route(req)
	ins, err := c.instruments.Get(instrumentName)
	if err != nil {
		return nil, err
	}

	if err := c.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}
	if err := c.manager.Register(t); err != nil {
		return nil, err
	}

	// The worker outlives the HTTP request but keeps its identity scope.
	bgCtx := context.WithoutCancel(ctx)

	if level == trust.LevelApprovalRequired {
		plan := &task.Plan{
			TaskID:              t.ID,
			Query:               req.Query,
			Instrument:          instrumentName,
			ProcessType:         ins.ProcessType(),
			EstimatedIterations: ins.MaxIterations(),
			Description:         fmt.Sprintf("Run the %s instrument for up to %d iterations.", instrumentName, ins.MaxIterations()),
			RequiresApproval:    true,
		}
		c.approvals.Hold(t.ID, plan, func(context.Context) error {
			if err := c.store.UpdateTaskStatus(bgCtx, t.ID, task.StatusRunning); err != nil {
				slog.Warn("failed to persist status", "task_id", t.ID, "error", err)
			}
			return c.startWorker(bgCtx, t.ID, instrumentName, level)
		})
		return &task.SubmitResponse{TaskID: t.ID, Status: task.StatusAwaitingApproval, Plan: plan}, nil
	}

	if err := c.startWorker(bgCtx, t.ID, instrumentName, level); err != nil {
		return nil, err
	}
	return &task.SubmitResponse{TaskID: t.ID, Status: task.StatusPending}, nil
}

func (c *Conductor) startWorker(ctx context.Context, taskID, instrumentName string, level trust.Level) error {
	return c.manager.Start(ctx, taskID, func(ctx context.Context, cancelled func() bool) (*task.Response, error) {
		// A full pool queues the task; it stays pending until a slot
		// frees up, and the started event fires only then.
		var resp *task.Response
		err := c.pool.Run(ctx, func() error {
			var execErr error
			resp, execErr = c.execute(ctx, taskID, instrumentName, level, cancelled)
			return execErr
		})
		return resp, err
	})
}

// execute runs a task to its terminal state: events, checkpoints,
// delegation, persistence, trust update, broadcast and notification.
func (c *Conductor) execute(ctx context.Context, taskID, instrumentName string, level trust.Level, cancelled func() bool) (*task.Response, error) {
	t, ok := c.manager.Get(taskID)
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	req := t.Request
	userID := t.UserID
	startedAt := time.Now()

	ctx, span := otel.StartTaskSpan(ctx, taskID, instrumentName)
	defer span.End()

	c.bus.Emit(event.New(taskID, event.TypeStarted, nil))
	c.publish(ctx, messagequeue.SubjectTaskStarted, taskID, task.StatusRunning, "")
	c.broadcastStatus(ctx, taskID, task.StatusRunning, "")
	if c.metrics != nil {
		c.metrics.TasksStarted.Add(ctx, 1)
	}

	tc := c.buildContext(t, cancelled)

	result, failovers := c.runWithDelegation(ctx, instrumentName, req, tc)

	if err := tcError(ctx, tc, result); err != nil {
		c.finishCancelled(ctx, taskID)
		return nil, err
	}
	if result.err != nil {
		c.finishFailed(ctx, taskID, userID, result.err)
		return nil, result.err
	}

	ir := result.result
	ir.Metadata.FailoverEvents = append(ir.Metadata.FailoverEvents, failovers...)
	if ir.Metadata.DurationMS == 0 {
		ir.Metadata.DurationMS = time.Since(startedAt).Milliseconds()
	}

	resp := &task.Response{
		RequestID:          taskID,
		Summary:            ir.Summary,
		Confidence:         ir.Confidence,
		Outcome:            ir.Outcome,
		Findings:           ir.Findings,
		Discrepancy:        ir.Discrepancy,
		Metadata:           ir.Metadata,
		SuggestedFollowups: ir.SuggestedFollowups,
	}
	applyInterventions(req, resp, level)

	c.finishComplete(ctx, taskID, userID, resp, startedAt)
	return resp, nil
}

// executionResult pairs the instrument outcome with its error so
// delegation and local execution share one return path.
type executionResult struct {
	result *loop.InstrumentResult
	err    error
}

func tcError(ctx context.Context, tc *task.Context, res executionResult) error {
	if errors.Is(res.err, domain.ErrCancelled) {
		return domain.ErrCancelled
	}
	if tc.IsCancelled() || ctx.Err() != nil {
		return domain.ErrCancelled
	}
	return nil
}

// runWithDelegation tries the best sibling room first and falls back to
// local execution on DelegationError, recording a failover event.
func (c *Conductor) runWithDelegation(ctx context.Context, instrumentName string, req *task.Request, tc *task.Context) (executionResult, []loop.FailoverEvent) {
	var failovers []loop.FailoverEvent

	ins, err := c.instruments.Get(instrumentName)
	if err != nil {
		return executionResult{err: err}, nil
	}

	if c.rooms != nil && c.delegator != nil {
		sel := room.Selection{
			RequiredCapabilities: capabilityStrings(ins.RequiredCapabilities()),
			RequireLocality:      privacySensitive(req),
		}
		if best := c.rooms.Select(sel); best != nil && best.RoomID != room.ServerRoomID {
			dctx, span := otel.StartDelegationSpan(ctx, tc.TaskID, best.RoomID)
			ir, derr := c.delegator.Delegate(dctx, best, req)
			span.End()
			if derr == nil {
				return executionResult{result: ir}, nil
			}
			var de *domain.DelegationError
			if errors.As(derr, &de) {
				slog.Warn("room delegation failed, executing locally",
					"task_id", tc.TaskID, "room_id", de.RoomID, "reason", de.Reason)
				failovers = append(failovers, loop.FailoverEvent{
					RoomID: de.RoomID,
					Reason: de.Reason,
					At:     time.Now().UTC(),
				})
				if c.metrics != nil {
					c.metrics.Failovers.Add(ctx, 1)
				}
			} else {
				return executionResult{err: derr}, failovers
			}
		}
	}

	ir, err := ins.Execute(ctx, req.Query, tc)
	if err != nil {
		return executionResult{err: err}, failovers
	}
	if ir.Metadata.RoomID == "" {
		ir.Metadata.RoomID = room.ServerRoomID
	}
	return executionResult{result: ir}, failovers
}

// buildContext assembles the runtime envelope with injected callbacks.
func (c *Conductor) buildContext(t *task.Task, cancelled func() bool) *task.Context {
	tc := &task.Context{
		TaskID:    t.ID,
		AppID:     t.AppID,
		UserID:    t.UserID,
		Request:   t.Request,
		Depth:     0,
		MaxDepth:  c.maxSpawnDepth,
		Cancelled: cancelled,
	}
	if t.Request != nil && t.Request.Preferences != nil && t.Request.Preferences.MaxSpawnDepth != nil {
		tc.MaxDepth = *t.Request.Preferences.MaxSpawnDepth
	}
	tc.Checkpoint = c.checkpointFunc(t.ID)
	tc.Spawn = c.spawnFunc(tc)
	return tc
}

// checkpointFunc persists an iteration checkpoint and emits the
// matching iteration event. Persistence failures are logged, never
// propagated into the loop.
func (c *Conductor) checkpointFunc(taskID string) task.CheckpointFunc {
	return func(ctx context.Context, iteration int, phase string, input, output map[string]any, durationMS int64) error {
		cp := &task.IterationCheckpoint{
			TaskID:     taskID,
			Iteration:  iteration,
			Phase:      phase,
			Input:      input,
			Output:     output,
			DurationMS: durationMS,
		}
		if err := c.store.CreateCheckpoint(ctx, cp); err != nil {
			slog.Warn("checkpoint persistence failed", "task_id", taskID, "iteration", iteration, "error", err)
		}
		c.bus.Emit(event.New(taskID, event.TypeIteration, event.IterationPayload{
			Iteration:  iteration,
			Phase:      phase,
			DurationMS: durationMS,
			Data:       output,
		}))
		return nil
	}
}

// spawnFunc re-enters the conductor with a bounded sub-task. The result
// is embedded in the parent's findings; it never becomes a full task.
func (c *Conductor) spawnFunc(parent *task.Context) task.SpawnFunc {
	return func(ctx context.Context, subQuery string, subCtx *task.RequestContext) (*loop.InstrumentResult, error) {
		depth := parent.Depth + 1
		if depth > parent.MaxDepth {
			return nil, &domain.DepthExceededError{Depth: depth, MaxDepth: parent.MaxDepth}
		}
		if parent.IsCancelled() {
			return nil, domain.ErrCancelled
		}

		subReq := &task.Request{Query: subQuery, Context: subCtx}
		name := c.Route(subReq)
		ins, err := c.instruments.Get(name)
		if err != nil {
			return nil, err
		}

		child := &task.Context{
			TaskID:     parent.TaskID,
			AppID:      parent.AppID,
			UserID:     parent.UserID,
			Request:    subReq,
			Checkpoint: parent.Checkpoint,
			Depth:      depth,
			MaxDepth:   parent.MaxDepth,
			Cancelled:  parent.Cancelled,
		}
		child.Spawn = c.spawnFunc(child)
		return ins.Execute(ctx, subQuery, child)
	}
}

// RunInstrument executes one named instrument inside an existing task
// context. Compositions fan out through this entry point.
func (c *Conductor) RunInstrument(ctx context.Context, name, query string, tc *task.Context) (*loop.InstrumentResult, error) {
	ins, err := c.instruments.Get(name)
	if err != nil {
		return nil, err
	}
	return ins.Execute(ctx, query, tc)
}

// DelegateToRoom sends a sub-query to a specific room. Cross-room
// compositions use this for their branches.
func (c *Conductor) DelegateToRoom(ctx context.Context, roomID, subQuery string, tc *task.Context) (*loop.InstrumentResult, error) {
	if roomID == room.ServerRoomID || roomID == "" {
		return c.RunInstrument(ctx, c.Route(&task.Request{Query: subQuery}), subQuery, tc)
	}
	if c.rooms == nil || c.delegator == nil {
		return nil, &domain.DelegationError{RoomID: roomID, Reason: "no room registry configured"}
	}
	rm, err := c.rooms.Get(roomID)
	if err != nil {
		return nil, &domain.DelegationError{RoomID: roomID, Reason: "unknown room", Err: err}
	}
	if rm.Status != room.StatusOnline {
		return nil, &domain.DelegationError{RoomID: roomID, Reason: "room is " + string(rm.Status)}
	}
	dctx, span := otel.StartDelegationSpan(ctx, tc.TaskID, roomID)
	defer span.End()
	return c.delegator.Delegate(dctx, rm, &task.Request{Query: subQuery, Context: tc.RequestContextOrEmpty()})
}

// Cancel requests cancellation. Non-started tasks terminate right away
// with their terminal event; running workers observe the flag at the
// next iteration boundary and finish through the normal path.
func (c *Conductor) Cancel(ctx context.Context, taskID string) error {
	before, ok := c.manager.Get(taskID)
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	if err := c.manager.Cancel(taskID); err != nil {
		return err
	}
	if before.Status == task.StatusAwaitingApproval {
		c.approvals.Discard(taskID)
	}
	if before.Status != task.StatusRunning {
		c.finishCancelled(ctx, taskID)
	}
	return nil
}

// GetTask returns the live record when managed, else the persisted one.
// Level-2 callers receive the minimal surface at the HTTP layer.
func (c *Conductor) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	if t, ok := c.manager.Get(taskID); ok {
		return t, nil
	}
	return c.store.GetTask(ctx, taskID)
}

func (c *Conductor) finishComplete(ctx context.Context, taskID, userID string, resp *task.Response, startedAt time.Time) {
	status := task.StatusComplete
	if err := c.store.CompleteTask(ctx, taskID, status, resp, ""); err != nil {
		slog.Error("failed to persist task completion", "task_id", taskID, "error", err)
	}
	if err := c.trust.RecordOutcome(ctx, userID, resp.Outcome); err != nil {
		slog.Warn("failed to record trust outcome", "task_id", taskID, "error", err)
	}

	c.bus.Emit(event.New(taskID, event.TypeComplete, event.CompletePayload{
		Outcome:    string(resp.Outcome),
		Summary:    resp.Summary,
		Confidence: resp.Confidence,
	}))
	c.publish(ctx, messagequeue.SubjectTaskComplete, taskID, status, string(resp.Outcome))
	c.broadcastStatus(ctx, taskID, status, string(resp.Outcome))

	if c.metrics != nil {
		c.metrics.TasksCompleted.Add(ctx, 1)
		c.metrics.TaskIterations.Record(ctx, int64(resp.Metadata.Iterations))
		c.metrics.TaskDuration.Record(ctx, time.Since(startedAt).Seconds())
	}
	c.maybeNotify(ctx, taskID, resp)
}

func (c *Conductor) finishFailed(ctx context.Context, taskID, userID string, cause error) {
	if err := c.store.CompleteTask(ctx, taskID, task.StatusFailed, nil, cause.Error()); err != nil {
		slog.Error("failed to persist task failure", "task_id", taskID, "error", err)
	}
	if err := c.trust.RecordOutcome(ctx, userID, loop.OutcomeInconclusive); err != nil {
		slog.Warn("failed to record trust outcome", "task_id", taskID, "error", err)
	}
	c.bus.Emit(event.New(taskID, event.TypeError, event.ErrorPayload{Error: cause.Error()}))
	c.publish(ctx, messagequeue.SubjectTaskFailed, taskID, task.StatusFailed, "")
	c.broadcastStatus(ctx, taskID, task.StatusFailed, "")
	if c.metrics != nil {
		c.metrics.TasksFailed.Add(ctx, 1)
	}
}

func (c *Conductor) finishCancelled(ctx context.Context, taskID string) {
	if err := c.store.CompleteTask(ctx, taskID, task.StatusCancelled, nil, ""); err != nil {
		slog.Error("failed to persist task cancellation", "task_id", taskID, "error", err)
	}
	c.bus.Emit(event.New(taskID, event.TypeCancelled, nil))
	c.publish(ctx, messagequeue.SubjectTaskCancelled, taskID, task.StatusCancelled, "")
	c.broadcastStatus(ctx, taskID, task.StatusCancelled, "")
	if c.metrics != nil {
		c.metrics.TasksCancelled.Add(ctx, 1)
	}
}

func (c *Conductor) publish(ctx context.Context, subject, taskID string, status task.Status, outcome string) {
	if c.queue == nil {
		return
	}
	data, err := json.Marshal(messagequeue.TaskLifecyclePayload{
		TaskID:  taskID,
		Status:  string(status),
		Outcome: outcome,
	})
	if err != nil {
		return
	}
	if err := c.queue.Publish(ctx, subject, data); err != nil {
		slog.Warn("lifecycle publish failed", "subject", subject, "task_id", taskID, "error", err)
	}
}

func (c *Conductor) broadcastStatus(ctx context.Context, taskID string, status task.Status, outcome string) {
	if c.broadcaster == nil {
		return
	}
	c.broadcaster.BroadcastEvent(ctx, "task.status", map[string]string{
		"task_id": taskID,
		"status":  string(status),
		"outcome": outcome,
	})
}

func (c *Conductor) maybeNotify(ctx context.Context, taskID string, resp *task.Response) {
	if c.notify == nil {
		return
	}
	t, ok := c.manager.Get(taskID)
	if !ok || t.Request == nil || t.Request.Preferences == nil || !t.Request.Preferences.NotifyOnComplete {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	err := c.notify.Send(nctx, notifier.Notification{
		Title:   "Task complete",
		Message: resp.Summary,
		Level:   "success",
		Source:  "task.complete",
	})
	if err != nil && !errors.Is(err, notifier.ErrNotConfigured) {
		slog.Warn("completion notification failed", "task_id", taskID, "error", err)
	}
}

// privacySensitive classifies requests that must stay on local or
// server rooms: anything carrying user media or private conversation
// context.
func privacySensitive(req *task.Request) bool {
	if req == nil || req.Context == nil {
		return false
	}
	return len(req.Context.Attachments) > 0 || req.Context.ConversationSummary != ""
}

func capabilityStrings[T ~string](caps []T) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		out = append(out, string(c))
	}
	return out
}
