package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loopsymphony/server/internal/domain"
	"github.com/loopsymphony/server/internal/domain/loop"
	"github.com/loopsymphony/server/internal/domain/task"
	"github.com/loopsymphony/server/internal/port/tool"
)

// Instrument is a self-contained loop procedure. Instances are shared
// across tasks and must be concurrency-safe; tools are injected at
// construction from the registry.
type Instrument interface {
	Name() string
	MaxIterations() int
	ProcessType() loop.ProcessType
	RequiredCapabilities() []tool.Capability
	Execute(ctx context.Context, query string, tc *task.Context) (*loop.InstrumentResult, error)
}

// InstrumentSet is the factory keyed by instrument name. The baseline
// set is closed; dynamically registered loop specs extend it at runtime.
type InstrumentSet struct {
	byName map[string]Instrument
}

// NewInstrumentSet builds the baseline instruments against the tool
// registry. Fails with ErrCapability when a required capability has no
// registered tool; no task runs on a partially wired set.
func NewInstrumentSet(reg *tool.Registry, opts InstrumentOptions) (*InstrumentSet, error) {
	set := &InstrumentSet{byName: make(map[string]Instrument)}

	note, err := NewNoteInstrument(reg)
	if err != nil {
		return nil, err
	}
	research, err := NewResearchInstrument(reg, opts)
	if err != nil {
		return nil, err
	}
	vision, err := NewVisionInstrument(reg, opts)
	if err != nil {
		return nil, err
	}
	synthesis, err := NewSynthesisInstrument(reg)
	if err != nil {
		return nil, err
	}
	for _, ins := range []Instrument{note, research, vision, synthesis} {
		set.byName[ins.Name()] = ins
	}
	return set, nil
}

// InstrumentOptions tunes the iterative instruments. Zero values select
// the defaults.
type InstrumentOptions struct {
	ResearchIterations  int
	ConfidenceThreshold float64
	DeltaThreshold      float64
}

// Get returns the instrument registered under name.
func (s *InstrumentSet) Get(name string) (Instrument, error) {
	ins, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("instrument %q: %w", name, domain.ErrNotFound)
	}
	return ins, nil
}

// RegisterSpec adds a dynamically declared phase loop. Redefining a
// baseline instrument name is refused.
func (s *InstrumentSet) RegisterSpec(reg *tool.Registry, spec *loop.Spec, opts InstrumentOptions) error {
	if spec.Name == "" {
		return domain.Validationf("loop name is required")
	}
	if _, ok := s.byName[spec.Name]; ok {
		return fmt.Errorf("instrument %q already registered: %w", spec.Name, domain.ErrConflict)
	}
	ins, err := NewSpecInstrument(reg, spec, opts)
	if err != nil {
		return err
	}
	s.byName[spec.Name] = ins
	return nil
}

// Names lists the registered instrument names.
func (s *InstrumentSet) Names() []string {
	out := make([]string, 0, len(s.byName))
	for name := range s.byName {
		out = append(out, name)
	}
	return out
}

// toolFailureFinding converts a failed tool call into a low-confidence
// synthetic finding so the loop continues instead of dying.
func toolFailureFinding(err error) loop.Finding {
	var te *domain.ToolError
	source := "internal"
	if errors.As(err, &te) {
		source = te.Tool
	}
	return loop.Finding{
		Content:    fmt.Sprintf("tool call failed: %v", err),
		Source:     source,
		Confidence: 0.1,
		Timestamp:  time.Now().UTC(),
	}
}

// spawnSubtask runs the context's spawn callback. A depth refusal is
// folded into a bounded sub-result whose discrepancy names the limit,
// so the spawning iteration records the failure and the parent loop
// keeps its aggregated findings. Other errors pass through.
func spawnSubtask(ctx context.Context, tc *task.Context, subQuery string, subCtx *task.RequestContext) (*loop.InstrumentResult, error) {
	res, err := tc.Spawn(ctx, subQuery, subCtx)
	if err == nil {
		return res, nil
	}
	var depthErr *domain.DepthExceededError
	if !errors.As(err, &depthErr) {
		return nil, err
	}
	return &loop.InstrumentResult{
		Summary:     "Sub-task was not spawned: " + depthErr.Error(),
		Confidence:  0.1,
		Outcome:     loop.OutcomeBounded,
		Discrepancy: fmt.Sprintf("spawn depth limit of %d reached", depthErr.MaxDepth),
	}, nil
}

// emitCheckpoint calls the injected checkpoint callback when present.
// A failed checkpoint never fails the iteration.
func emitCheckpoint(ctx context.Context, tc *task.Context, iteration int, phase string, input, output map[string]any, startedAt time.Time) {
	if tc == nil || tc.Checkpoint == nil {
		return
	}
	_ = tc.Checkpoint(ctx, iteration, phase, input, output, time.Since(startedAt).Milliseconds())
}

// checkCancelled returns ErrCancelled when cooperative cancellation has
// been requested. Called at every iteration boundary.
func checkCancelled(ctx context.Context, tc *task.Context) error {
	if err := ctx.Err(); err != nil {
		return domain.ErrCancelled
	}
	if tc != nil && tc.IsCancelled() {
		return domain.ErrCancelled
	}
	return nil
}

// contextAdditions renders request-context hints appended to prompts.
func contextAdditions(tc *task.Context) string {
	if tc == nil {
		return ""
	}
	rc := tc.RequestContextOrEmpty()
	var parts []string
	if rc.ConversationSummary != "" {
		parts = append(parts, "Conversation context: "+rc.ConversationSummary)
	}
	if rc.Location != "" {
		parts = append(parts, "User location: "+rc.Location)
	}
	if rc.Goal != "" {
		parts = append(parts, "Goal: "+rc.Goal)
	}
	if len(parts) == 0 {
		return ""
	}
	return "\n\n[Context: " + strings.Join(parts, "; ") + "]"
}

// parseJSONObject extracts the first JSON object from an LLM response,
// tolerating markdown fences and surrounding prose.
func parseJSONObject(s string) map[string]any {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s[start:end+1]), &out); err != nil {
		return nil
	}
	return out
}

// parseLines splits an LLM response into trimmed non-empty lines,
// capped at limit.
func parseLines(s string, limit int) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == limit {
			break
		}
	}
	return out
}

// uniqueSources deduplicates while preserving first-seen order.
func uniqueSources(sources []string) []string {
	seen := make(map[string]struct{}, len(sources))
	var out []string
	for _, s := range sources {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// jsonString reads a string field from a parsed LLM object.
func jsonString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// jsonBool reads a bool field from a parsed LLM object.
func jsonBool(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}

// jsonFloat reads a numeric field with a fallback.
func jsonFloat(m map[string]any, key string, fallback float64) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return fallback
}

// jsonStrings reads a string-array field from a parsed LLM object.
func jsonStrings(m map[string]any, key string) []string {
	arr, ok := m[key].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, v := range arr {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}
