package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/loopsymphony/server/internal/domain/loop"
	"github.com/loopsymphony/server/internal/domain/task"
	"github.com/loopsymphony/server/internal/port/tool"
)

const (
	synthesisMaxIterations = 2
	// resynthesisThreshold is the merged confidence below which a second
	// synthesis pass is attempted.
	resynthesisThreshold = 0.6
)

// SynthesisInstrument merges multiple instrument results into one
// confidence-weighted answer, flagging contradictions across them.
// Used by compositions for fan-in; rarely routed to directly.
type SynthesisInstrument struct {
	reasoning tool.Tool
}

// NewSynthesisInstrument resolves the synthesis instrument's tools.
func NewSynthesisInstrument(reg *tool.Registry) (*SynthesisInstrument, error) {
	resolved, err := reg.Resolve(
		[]tool.Capability{tool.CapReasoning},
		[]tool.Capability{tool.CapSynthesis},
	)
	if err != nil {
		return nil, err
	}
	// Prefer a dedicated synthesis tool when one is registered.
	t := resolved[tool.CapReasoning]
	if st, ok := resolved[tool.CapSynthesis]; ok {
		t = st
	}
	return &SynthesisInstrument{reasoning: t}, nil
}

func (s *SynthesisInstrument) Name() string                  { return "synthesis" }
func (s *SynthesisInstrument) MaxIterations() int            { return synthesisMaxIterations }
func (s *SynthesisInstrument) ProcessType() loop.ProcessType { return loop.ProcessSemiAutonomic }
func (s *SynthesisInstrument) RequiredCapabilities() []tool.Capability {
	// A dedicated synthesis tool is preferred but optional; only
	// reasoning is a hard requirement.
	return []tool.Capability{tool.CapReasoning}
}

func (s *SynthesisInstrument) Execute(ctx context.Context, query string, tc *task.Context) (*loop.InstrumentResult, error) {
	if err := checkCancelled(ctx, tc); err != nil {
		return nil, err
	}
	startedAt := time.Now()

	var inputs []loop.InstrumentResult
	if tc != nil {
		inputs = tc.RequestContextOrEmpty().InputResults
	}
	if len(inputs) == 0 {
		return s.emptyResult(query, startedAt), nil
	}

	findings, sources := collectFindings(inputs)
	if len(findings) == 0 {
		return s.emptyResult(query, startedAt), nil
	}

	iteration := 1
	summary, hasContradictions, hint := s.synthesize(ctx, query, findings, "")
	confidence := mergedConfidence(inputs)

	discrepancy := ""
	outcome := loop.OutcomeComplete
	var followups []string
	if hasContradictions && hint != "" {
		discrepancy, outcome, followups = s.handleContradictions(ctx, query, findings, hint, confidence)
	}

	if confidence < resynthesisThreshold && iteration < synthesisMaxIterations {
		if err := checkCancelled(ctx, tc); err != nil {
			return nil, err
		}
		iteration = 2
		refinement := fmt.Sprintf("[Previous synthesis attempt (confidence: %.2f)]: %s\n\n"+
			"Please re-examine the findings more carefully and produce a more precise "+
			"synthesis. Focus on areas of agreement and clearly flag areas of uncertainty.",
			confidence, summary)
		summary, hasContradictions, hint = s.synthesize(ctx, query, findings, refinement)
		confidence = min(1.0, confidence+0.05)

		if hasContradictions && hint != "" && discrepancy == "" {
			discrepancy, outcome, followups = s.handleContradictions(ctx, query, findings, hint, confidence)
		}
	}

	return &loop.InstrumentResult{
		Findings:    findings,
		Summary:     summary,
		Confidence:  confidence,
		Outcome:     outcome,
		Discrepancy: discrepancy,
		Metadata: loop.ExecutionMetadata{
			InstrumentUsed:   s.Name(),
			Iterations:       iteration,
			DurationMS:       time.Since(startedAt).Milliseconds(),
			SourcesConsulted: sources,
			ProcessType:      s.ProcessType(),
		},
		SuggestedFollowups: followups,
	}, nil
}

func (s *SynthesisInstrument) synthesize(ctx context.Context, query string, findings []loop.Finding, refinement string) (summary string, hasContradictions bool, hint string) {
	prompt := synthesisPrompt(query, findings)
	if refinement != "" {
		prompt = refinement + "\n\n" + prompt
	}
	resp, err := s.reasoning.Invoke(ctx, tool.Request{
		Capability: tool.CapReasoning,
		Prompt:     prompt,
		Params:     map[string]any{"system": synthesisSystemPrompt},
	})
	if err != nil {
		return findings[0].Content, false, ""
	}
	if obj := parseJSONObject(resp.Content); obj != nil {
		return jsonString(obj, "summary"), jsonBool(obj, "has_contradictions"), jsonString(obj, "contradiction_hint")
	}
	return resp.Content, false, ""
}

func (s *SynthesisInstrument) handleContradictions(ctx context.Context, query string, findings []loop.Finding, hint string, confidence float64) (string, loop.Outcome, []string) {
	resp, err := s.reasoning.Invoke(ctx, tool.Request{
		Capability: tool.CapReasoning,
		Prompt:     discrepancyPrompt(query, findings, hint),
		Params:     map[string]any{"system": discrepancySystemPrompt},
	})
	if err != nil {
		return "", loop.OutcomeComplete, nil
	}
	obj := parseJSONObject(resp.Content)
	if obj == nil {
		return "", loop.OutcomeComplete, nil
	}
	description := jsonString(obj, "description")
	severity := jsonString(obj, "severity")
	refinements := jsonStrings(obj, "suggested_refinements")

	outcome := outcomeWithDiscrepancy(loop.OutcomeComplete, confidence, severity)
	if outcome != loop.OutcomeInconclusive {
		refinements = nil
	}
	return description, outcome, refinements
}

func (s *SynthesisInstrument) emptyResult(query string, startedAt time.Time) *loop.InstrumentResult {
	return &loop.InstrumentResult{
		Summary:    "No input results available to synthesize for query: " + query,
		Confidence: 0,
		Outcome:    loop.OutcomeBounded,
		Metadata: loop.ExecutionMetadata{
			InstrumentUsed: s.Name(),
			DurationMS:     time.Since(startedAt).Milliseconds(),
			ProcessType:    s.ProcessType(),
		},
		SuggestedFollowups: []string{"Try running research instruments first to gather findings"},
	}
}

// collectFindings flattens the findings of every input result and
// returns the sorted, deduplicated union of their sources.
func collectFindings(inputs []loop.InstrumentResult) ([]loop.Finding, []string) {
	var findings []loop.Finding
	sourceSet := make(map[string]struct{})
	for _, in := range inputs {
		findings = append(findings, in.Findings...)
		for _, src := range in.Metadata.SourcesConsulted {
			sourceSet[src] = struct{}{}
		}
	}
	sources := make([]string, 0, len(sourceSet))
	for src := range sourceSet {
		sources = append(sources, src)
	}
	sort.Strings(sources)
	return findings, sources
}

// mergedConfidence is the finding-count-weighted average of the input
// confidences, with a small bonus when two or more inputs agree at 0.7
// or better. Capped at 1.0.
func mergedConfidence(inputs []loop.InstrumentResult) float64 {
	if len(inputs) == 0 {
		return 0
	}
	totalWeight := 0.0
	weightedSum := 0.0
	for _, in := range inputs {
		weight := float64(len(in.Findings))
		if weight < 1 {
			weight = 1
		}
		weightedSum += in.Confidence * weight
		totalWeight += weight
	}
	base := weightedSum / totalWeight

	agreement := 0.0
	if len(inputs) >= 2 {
		allHigh := true
		for _, in := range inputs {
			if in.Confidence < 0.7 {
				allHigh = false
				break
			}
		}
		if allHigh {
			agreement = 0.05
		}
	}
	return min(1.0, base+agreement)
}
