package service

import (
	"context"
	"time"

	"github.com/loopsymphony/server/internal/domain/loop"
	"github.com/loopsymphony/server/internal/domain/task"
	"github.com/loopsymphony/server/internal/port/tool"
)

// noteCompleteThreshold separates a direct answer from a hedge.
const noteCompleteThreshold = 0.7

// NoteInstrument answers simple atomic queries with a single reasoning
// call. No iteration, no web search.
type NoteInstrument struct {
	reasoning tool.Tool
}

// NewNoteInstrument resolves the note instrument's tools.
func NewNoteInstrument(reg *tool.Registry) (*NoteInstrument, error) {
	resolved, err := reg.Resolve([]tool.Capability{tool.CapReasoning}, nil)
	if err != nil {
		return nil, err
	}
	return &NoteInstrument{reasoning: resolved[tool.CapReasoning]}, nil
}

func (n *NoteInstrument) Name() string                  { return "note" }
func (n *NoteInstrument) MaxIterations() int            { return 1 }
func (n *NoteInstrument) ProcessType() loop.ProcessType { return loop.ProcessAutonomic }
func (n *NoteInstrument) RequiredCapabilities() []tool.Capability {
	return []tool.Capability{tool.CapReasoning}
}

func (n *NoteInstrument) Execute(ctx context.Context, query string, tc *task.Context) (*loop.InstrumentResult, error) {
	if err := checkCancelled(ctx, tc); err != nil {
		return nil, err
	}
	startedAt := time.Now()

	system := "You are a helpful assistant that provides clear, accurate, and concise answers. " +
		"Be direct and informative. If you're unsure about something, say so."

	resp, err := n.reasoning.Invoke(ctx, tool.Request{
		Capability: tool.CapReasoning,
		Prompt:     query + contextAdditions(tc),
		Params:     map[string]any{"system": system},
	})

	var findings []loop.Finding
	confidence := 0.0
	summary := ""
	if err != nil {
		f := toolFailureFinding(err)
		findings = append(findings, f)
		confidence = f.Confidence
		summary = "The answer could not be produced: " + f.Content
	} else {
		findings = append(findings, loop.Finding{
			Content:    resp.Content,
			Source:     n.reasoning.Name(),
			Confidence: 0.9,
			Timestamp:  time.Now().UTC(),
		})
		confidence = 0.9
		summary = resp.Content
	}

	outcome := loop.OutcomeComplete
	if confidence < noteCompleteThreshold {
		outcome = loop.OutcomeBounded
	}

	return &loop.InstrumentResult{
		Findings:   findings,
		Summary:    summary,
		Confidence: confidence,
		Outcome:    outcome,
		Metadata: loop.ExecutionMetadata{
			InstrumentUsed:   n.Name(),
			Iterations:       1,
			DurationMS:       time.Since(startedAt).Milliseconds(),
			SourcesConsulted: []string{n.reasoning.Name()},
			ProcessType:      n.ProcessType(),
		},
	}, nil
}
