package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loopsymphony/server/internal/domain/loop"
	"github.com/loopsymphony/server/internal/domain/task"
	"github.com/loopsymphony/server/internal/domain/termination"
	"github.com/loopsymphony/server/internal/port/tool"
)

const defaultResearchIterations = 5

// ResearchInstrument runs the iterative research loop: hypothesize
// search queries, gather via web search, analyze confidence, reflect on
// termination. A checkpoint is emitted every iteration.
type ResearchInstrument struct {
	reasoning     tool.Tool
	webSearch     tool.Tool
	maxIterations int
	evaluator     *termination.Evaluator
}

// NewResearchInstrument resolves the research instrument's tools.
func NewResearchInstrument(reg *tool.Registry, opts InstrumentOptions) (*ResearchInstrument, error) {
	resolved, err := reg.Resolve(
		[]tool.Capability{tool.CapReasoning, tool.CapWebSearch},
		[]tool.Capability{tool.CapSynthesis},
	)
	if err != nil {
		return nil, err
	}
	maxIter := opts.ResearchIterations
	if maxIter <= 0 {
		maxIter = defaultResearchIterations
	}
	return &ResearchInstrument{
		reasoning:     resolved[tool.CapReasoning],
		webSearch:     resolved[tool.CapWebSearch],
		maxIterations: maxIter,
		evaluator:     termination.NewEvaluator(opts.ConfidenceThreshold, opts.DeltaThreshold),
	}, nil
}

// WithConfig returns a copy tuned by a per-step composition override.
// The shared instrument is never mutated.
func (r *ResearchInstrument) WithConfig(cfg loop.InstrumentConfig) Instrument {
	cp := *r
	if cfg.MaxIterations > 0 {
		cp.maxIterations = cfg.MaxIterations
	}
	if cfg.ConfidenceThreshold > 0 {
		cp.evaluator = termination.NewEvaluator(cfg.ConfidenceThreshold, r.evaluator.DeltaThreshold)
	}
	return &cp
}

func (r *ResearchInstrument) Name() string                  { return "research" }
func (r *ResearchInstrument) MaxIterations() int            { return r.maxIterations }
func (r *ResearchInstrument) ProcessType() loop.ProcessType { return loop.ProcessSemiAutonomic }
func (r *ResearchInstrument) RequiredCapabilities() []tool.Capability {
	return []tool.Capability{tool.CapReasoning, tool.CapWebSearch}
}

func (r *ResearchInstrument) Execute(ctx context.Context, query string, tc *task.Context) (*loop.InstrumentResult, error) {
	startedAt := time.Now()

	problem, err := r.defineProblem(ctx, query, tc)
	if err != nil {
		problem = query
	}

	var (
		findings    []loop.Finding
		sources     []string
		confHistory []float64
		iteration   int
		outcome     = loop.OutcomeBounded
		discrepancy string
	)

	for iteration < r.maxIterations {
		if err := checkCancelled(ctx, tc); err != nil {
			return nil, err
		}
		iteration++
		iterStart := time.Now()
		seenSources := len(uniqueSources(sources))

		queries := r.generateHypotheses(ctx, problem, findings, iteration)

		newFindings, newSources := r.gather(ctx, queries)
		findings = append(findings, newFindings...)
		sources = append(sources, newSources...)

		hasAnswer := false
		for _, f := range newFindings {
			if f.Confidence > 0.8 {
				hasAnswer = true
				break
			}
		}
		confidence := termination.CalculateConfidence(findings, len(uniqueSources(sources)), hasAnswer)
		confHistory = append(confHistory, confidence)

		result := r.evaluator.Evaluate(termination.State{
			Iteration:         iteration,
			MaxIterations:     r.maxIterations,
			ConfidenceHistory: confHistory,
			NewSources:        len(uniqueSources(sources)) > seenSources,
		})

		emitCheckpoint(ctx, tc, iteration, "iteration",
			map[string]any{"search_queries": queries},
			map[string]any{
				"new_findings":   len(newFindings),
				"total_findings": len(findings),
				"confidence":     confidence,
				"stop":           result.Stop,
			},
			iterStart)

		if result.Stop {
			outcome = result.Outcome
			discrepancy = result.Discrepancy
			break
		}
	}

	summary, hasContradictions, hint := r.synthesize(ctx, query, findings)

	confidence := 0.0
	if len(confHistory) > 0 {
		confidence = confHistory[len(confHistory)-1]
	}

	var followups []string
	if hasContradictions && hint != "" {
		desc, severity, refinements := r.analyzeDiscrepancy(ctx, query, findings, hint)
		if desc != "" {
			discrepancy = desc
			outcome = outcomeWithDiscrepancy(outcome, confidence, severity)
			if outcome == loop.OutcomeInconclusive {
				followups = refinements
			}
		}
	}
	if len(followups) == 0 {
		followups = r.suggestFollowups(ctx, query, findings, outcome)
	}

	return &loop.InstrumentResult{
		Findings:    findings,
		Summary:     summary,
		Confidence:  confidence,
		Outcome:     outcome,
		Discrepancy: discrepancy,
		Metadata: loop.ExecutionMetadata{
			InstrumentUsed:   r.Name(),
			Iterations:       iteration,
			DurationMS:       time.Since(startedAt).Milliseconds(),
			SourcesConsulted: uniqueSources(sources),
			ProcessType:      r.ProcessType(),
		},
		SuggestedFollowups: followups,
	}, nil
}

func (r *ResearchInstrument) defineProblem(ctx context.Context, query string, tc *task.Context) (string, error) {
	system := "You are a research planner. Your job is to clearly define the research " +
		"problem based on the user's query. Be specific about what information " +
		"is needed and what would constitute a complete answer."
	resp, err := r.reasoning.Invoke(ctx, tool.Request{
		Capability: tool.CapReasoning,
		Prompt: fmt.Sprintf("Define the research problem for this query:\n\nQuery: %s%s\n\n"+
			"Provide a clear, focused problem statement that will guide the research.",
			query, contextAdditions(tc)),
		Params: map[string]any{"system": system},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (r *ResearchInstrument) generateHypotheses(ctx context.Context, problem string, findings []loop.Finding, iteration int) []string {
	system := "You are a search query generator. Generate 2-3 specific, targeted search " +
		"queries that will help find information to answer the research problem. " +
		"Each query should be different and cover different aspects."

	var existing strings.Builder
	if len(findings) > 0 {
		existing.WriteString("\n\nExisting findings (don't search for these again):\n")
		start := len(findings) - 5
		if start < 0 {
			start = 0
		}
		for _, f := range findings[start:] {
			content := f.Content
			if len(content) > 100 {
				content = content[:100]
			}
			existing.WriteString("- " + content + "\n")
		}
	}

	resp, err := r.reasoning.Invoke(ctx, tool.Request{
		Capability: tool.CapReasoning,
		Prompt: fmt.Sprintf("Research Problem: %s\n\nIteration: %d%s\n\n"+
			"Generate 2-3 search queries. Return ONLY the queries, one per line, no numbering or explanation.",
			problem, iteration, existing.String()),
		Params: map[string]any{"system": system},
	})
	if err != nil {
		// Fall back to the problem statement itself as the query.
		return []string{problem}
	}
	queries := parseLines(resp.Content, 3)
	if len(queries) == 0 {
		queries = []string{problem}
	}
	return queries
}

func (r *ResearchInstrument) gather(ctx context.Context, queries []string) ([]loop.Finding, []string) {
	var findings []loop.Finding
	var sources []string
	for _, q := range queries {
		resp, err := r.webSearch.Invoke(ctx, tool.Request{
			Capability: tool.CapWebSearch,
			Prompt:     q,
			Params:     map[string]any{"max_results": 3},
		})
		if err != nil {
			findings = append(findings, toolFailureFinding(err))
			continue
		}
		findings = append(findings, loop.Finding{
			Content:    resp.Content,
			Source:     r.webSearch.Name(),
			Confidence: 0.75,
			Timestamp:  time.Now().UTC(),
		})
		sources = append(sources, resp.Sources...)
	}
	return findings, sources
}

func (r *ResearchInstrument) synthesize(ctx context.Context, query string, findings []loop.Finding) (summary string, hasContradictions bool, hint string) {
	if len(findings) == 0 {
		return "No findings were discovered during research.", false, ""
	}
	resp, err := r.reasoning.Invoke(ctx, tool.Request{
		Capability: tool.CapReasoning,
		Prompt:     synthesisPrompt(query, findings),
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

func (r *ResearchInstrument) analyzeDiscrepancy(ctx context.Context, query string, findings []loop.Finding, hint string) (description, severity string, refinements []string) {
	resp, err := r.reasoning.Invoke(ctx, tool.Request{
		Capability: tool.CapReasoning,
		Prompt:     discrepancyPrompt(query, findings, hint),
		Params:     map[string]any{"system": discrepancySystemPrompt},
	})
	if err != nil {
		return "", "", nil
	}
	obj := parseJSONObject(resp.Content)
	if obj == nil {
		return "", "", nil
	}
	return jsonString(obj, "description"), jsonString(obj, "severity"), jsonStrings(obj, "suggested_refinements")
}

func (r *ResearchInstrument) suggestFollowups(ctx context.Context, query string, findings []loop.Finding, outcome loop.Outcome) []string {
	var system string
	if outcome == loop.OutcomeComplete && len(findings) > 3 {
		system = "Based on the research completed, suggest 2-3 follow-up questions " +
			"the user might want to explore. Be specific and actionable."
	} else {
		system = "The research was incomplete. Suggest 2-3 follow-up questions " +
			"that could help get better results. Consider what information " +
			"might be missing or unclear."
	}

	var sb strings.Builder
	for i, f := range findings {
		if i == 5 {
			break
		}
		content := f.Content
		if len(content) > 100 {
			content = content[:100]
		}
		sb.WriteString(content + "\n")
	}

	resp, err := r.reasoning.Invoke(ctx, tool.Request{
		Capability: tool.CapReasoning,
		Prompt: fmt.Sprintf("Original query: %s\nResearch outcome: %s\n\nKey findings:\n%s\n"+
			"Suggest 2-3 follow-up questions. Return ONLY the questions, one per line.",
			query, outcome, sb.String()),
		Params: map[string]any{"system": system},
	})
	if err != nil {
		return nil
	}
	return parseLines(resp.Content, 3)
}

// outcomeWithDiscrepancy folds contradiction severity into the outcome:
// significant always forces inconclusive; moderate does unless the
// result is complete at very high confidence; minor keeps the original.
func outcomeWithDiscrepancy(original loop.Outcome, confidence float64, severity string) loop.Outcome {
	switch severity {
	case "significant":
		return loop.OutcomeInconclusive
	case "moderate":
		if original == loop.OutcomeComplete && confidence >= 0.9 {
			return original
		}
		return loop.OutcomeInconclusive
	default:
		return original
	}
}

const synthesisSystemPrompt = "You are a research synthesizer. Combine the findings into a coherent " +
	"answer and check them for contradictions. Respond with a JSON object (no markdown wrapping) " +
	`with keys: "summary" (string), "has_contradictions" (bool), "contradiction_hint" (string or empty).`

const discrepancySystemPrompt = "You are a discrepancy analyst. Examine the contradiction between findings " +
	"and respond with a JSON object (no markdown wrapping) with keys: " +
	`"description" (string), "severity" ("minor", "moderate" or "significant"), ` +
	`"suggested_refinements" (list of strings).`

func synthesisPrompt(query string, findings []loop.Finding) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Query: %s\n\nFindings:\n", query)
	for _, f := range findings {
		switch {
		case f.Confidence >= 0.8:
			sb.WriteString("[HIGH CONFIDENCE] ")
		case f.Confidence < 0.5:
			sb.WriteString("[LOW CONFIDENCE] ")
		}
		sb.WriteString(f.Content + "\n")
	}
	sb.WriteString("\nSynthesize the findings and respond with the JSON object.")
	return sb.String()
}

func discrepancyPrompt(query string, findings []loop.Finding, hint string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Query: %s\nContradiction hint: %s\n\nFindings:\n", query, hint)
	for _, f := range findings {
		sb.WriteString("- " + f.Content + "\n")
	}
	sb.WriteString("\nAnalyze the contradiction and respond with the JSON object.")
	return sb.String()
}
