// Package task defines the task entities: requests, runtime contexts,
// persisted records, checkpoints and plans.
package task

import (
	"context"
	"time"

	"github.com/loopsymphony/server/internal/domain"
	"github.com/loopsymphony/server/internal/domain/loop"
)

// Status represents the current state of a task.
type Status string

const (
	StatusPending          Status = "pending"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusRunning          Status = "running"
	StatusComplete         Status = "complete"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

// IntentType classifies what the caller is trying to achieve.
type IntentType string

const (
	IntentDecision   IntentType = "decision"
	IntentResearch   IntentType = "research"
	IntentAction     IntentType = "action"
	IntentCuriosity  IntentType = "curiosity"
	IntentValidation IntentType = "validation"
)

// Intent is the caller's stated or inferred goal.
type Intent struct {
	Type            IntentType `json:"type,omitempty"`
	Urgency         string     `json:"urgency,omitempty"` // immediate, soon, planning, exploratory
	SuccessCriteria string     `json:"success_criteria,omitempty"`
	Confidence      float64    `json:"confidence,omitempty"`
	Inferred        bool       `json:"inferred,omitempty"`
}

// Preferences tune execution on a per-request basis.
type Preferences struct {
	Thoroughness     string `json:"thoroughness,omitempty"` // quick, balanced, thorough
	TrustLevel       *int   `json:"trust_level,omitempty"`  // 0, 1 or 2
	NotifyOnComplete bool   `json:"notify_on_complete,omitempty"`
	MaxSpawnDepth    *int   `json:"max_spawn_depth,omitempty"`
}

// RequestContext is the optional structured envelope on a TaskRequest.
type RequestContext struct {
	AppID               string                  `json:"app_id,omitempty"`
	UserID              string                  `json:"user_id,omitempty"`
	ConversationSummary string                  `json:"conversation_summary,omitempty"`
	Attachments         []string                `json:"attachments,omitempty"`
	Location            string                  `json:"location,omitempty"`
	Goal                string                  `json:"goal,omitempty"`
	Intent              string                  `json:"intent,omitempty"`
	InputResults        []loop.InstrumentResult `json:"input_results,omitempty"`
}

// Request is the unit of work submitted by a client.
type Request struct {
	ID          string          `json:"id,omitempty"`
	Query       string          `json:"query"`
	Context     *RequestContext `json:"context,omitempty"`
	Intent      *Intent         `json:"intent,omitempty"`
	Preferences *Preferences    `json:"preferences,omitempty"`
}

// Validate checks the request for structural problems.
func (r *Request) Validate() error {
	if r.Query == "" {
		return domain.Validationf("query is required")
	}
	if r.Preferences != nil {
		if tl := r.Preferences.TrustLevel; tl != nil && (*tl < 0 || *tl > 2) {
			return domain.Validationf("trust_level must be 0, 1 or 2")
		}
		if d := r.Preferences.MaxSpawnDepth; d != nil && *d < 0 {
			return domain.Validationf("max_spawn_depth must be >= 0")
		}
		switch r.Preferences.Thoroughness {
		case "", "quick", "balanced", "thorough":
		default:
			return domain.Validationf("thoroughness must be quick, balanced or thorough")
		}
	}
	if r.Intent != nil && (r.Intent.Confidence < 0 || r.Intent.Confidence > 1) {
		return domain.Validationf("intent.confidence must be in [0, 1]")
	}
	return nil
}

// CheckpointFunc persists an iteration checkpoint and emits an
// iteration event. Injected by the conductor; never serialized.
type CheckpointFunc func(ctx context.Context, iteration int, phase string, input, output map[string]any, durationMS int64) error

// SpawnFunc re-enters the conductor with a bounded sub-task.
type SpawnFunc func(ctx context.Context, subQuery string, subCtx *RequestContext) (*loop.InstrumentResult, error)

// Context is the runtime envelope handed to instruments. It carries
// everything from the Request plus injected callbacks and recursion
// counters. Callbacks are never serialized.
type Context struct {
	TaskID      string
	AppID       string
	UserID      string
	Request     *Request
	Checkpoint  CheckpointFunc `json:"-"`
	Spawn       SpawnFunc      `json:"-"`
	Depth       int
	MaxDepth    int
	Cancelled   func() bool `json:"-"`
	ThreadLocal map[string]any
}

// RequestContextOrEmpty returns the request envelope, never nil.
func (c *Context) RequestContextOrEmpty() *RequestContext {
	if c.Request != nil && c.Request.Context != nil {
		return c.Request.Context
	}
	return &RequestContext{}
}

// IsCancelled reports whether cooperative cancellation was requested.
func (c *Context) IsCancelled() bool {
	return c.Cancelled != nil && c.Cancelled()
}

// Response is the user-visible wrap of an InstrumentResult.
type Response struct {
	RequestID          string                `json:"request_id"`
	Summary            string                `json:"summary"`
	Confidence         float64               `json:"confidence"`
	Outcome            loop.Outcome          `json:"outcome"`
	Findings           []loop.Finding        `json:"findings,omitempty"`
	Discrepancy        string                `json:"discrepancy,omitempty"`
	Metadata           loop.ExecutionMetadata `json:"metadata"`
	SuggestedFollowups []string              `json:"suggested_followups,omitempty"`
}

// Plan is the execution preview held for trust-0 tasks.
type Plan struct {
	TaskID              string           `json:"task_id"`
	Query               string           `json:"query"`
	Instrument          string           `json:"instrument"`
	ProcessType         loop.ProcessType `json:"process_type"`
	EstimatedIterations int              `json:"estimated_iterations"`
	Description         string           `json:"description"`
	RequiresApproval    bool             `json:"requires_approval"`
}

// Task is the persisted task record.
type Task struct {
	ID          string       `json:"id"`
	AppID       string       `json:"app_id,omitempty"`
	UserID      string       `json:"user_id,omitempty"`
	Request     *Request     `json:"request"`
	Status      Status       `json:"status"`
	Outcome     loop.Outcome `json:"outcome,omitempty"`
	Response    *Response    `json:"response,omitempty"`
	Error       string       `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// IterationCheckpoint is a per-iteration observability record.
type IterationCheckpoint struct {
	TaskID     string         `json:"task_id"`
	Iteration  int            `json:"iteration_num"`
	Phase      string         `json:"phase"`
	Input      map[string]any `json:"input,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	CreatedAt  time.Time      `json:"created_at"`
}

// SubmitResponse is returned from POST /task.
type SubmitResponse struct {
	TaskID string `json:"task_id"`
	Status Status `json:"status"`
	Plan   *Plan  `json:"plan,omitempty"`
}
