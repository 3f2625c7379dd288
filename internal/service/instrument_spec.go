package service

import (
	"context"
	"fmt"
	"time"

	"github.com/loopsymphony/server/internal/domain"
	"github.com/loopsymphony/server/internal/domain/loop"
	"github.com/loopsymphony/server/internal/domain/task"
	"github.com/loopsymphony/server/internal/domain/termination"
	"github.com/loopsymphony/server/internal/port/tool"
)

// SpecInstrument runs a dynamically registered phase loop: each
// iteration walks the declared phases in order, feeding every phase the
// output of the previous one, with a checkpoint per phase. Two phase
// names are special: "gather" prefers the web-search tool, and "spawn"
// hands the carried output to a bounded sub-task.
type SpecInstrument struct {
	spec      *loop.Spec
	tools     map[tool.Capability]tool.Tool
	evaluator *termination.Evaluator
}

// NewSpecInstrument validates the spec and resolves its capabilities.
func NewSpecInstrument(reg *tool.Registry, spec *loop.Spec, opts InstrumentOptions) (*SpecInstrument, error) {
	if len(spec.Phases) == 0 {
		return nil, domain.Validationf("loop %q declares no phases", spec.Name)
	}
	if spec.MaxIterations <= 0 {
		return nil, domain.Validationf("loop %q needs max_iterations >= 1", spec.Name)
	}
	required := make([]tool.Capability, 0, len(spec.RequiredCapabilities))
	for _, c := range spec.RequiredCapabilities {
		required = append(required, tool.Capability(c))
	}
	optional := make([]tool.Capability, 0, len(spec.OptionalCapabilities))
	for _, c := range spec.OptionalCapabilities {
		optional = append(optional, tool.Capability(c))
	}
	resolved, err := reg.Resolve(required, optional)
	if err != nil {
		return nil, err
	}
	if _, ok := resolved[tool.CapReasoning]; !ok {
		// Phase prompts always run through a reasoning tool.
		fallback, err := reg.Resolve([]tool.Capability{tool.CapReasoning}, nil)
		if err != nil {
			return nil, err
		}
		resolved[tool.CapReasoning] = fallback[tool.CapReasoning]
	}
	return &SpecInstrument{
		spec:      spec,
		tools:     resolved,
		evaluator: termination.NewEvaluator(opts.ConfidenceThreshold, opts.DeltaThreshold),
	}, nil
}

// WithConfig returns a copy tuned by a per-step composition override.
func (s *SpecInstrument) WithConfig(cfg loop.InstrumentConfig) Instrument {
	cp := *s
	if cfg.MaxIterations > 0 {
		spec := *s.spec
		spec.MaxIterations = cfg.MaxIterations
		cp.spec = &spec
	}
	if cfg.ConfidenceThreshold > 0 {
		cp.evaluator = termination.NewEvaluator(cfg.ConfidenceThreshold, s.evaluator.DeltaThreshold)
	}
	return &cp
}

func (s *SpecInstrument) Name() string       { return s.spec.Name }
func (s *SpecInstrument) MaxIterations() int { return s.spec.MaxIterations }

func (s *SpecInstrument) ProcessType() loop.ProcessType {
	if s.spec.ProcessType != "" {
		return s.spec.ProcessType
	}
	return loop.ProcessSemiAutonomic
}

func (s *SpecInstrument) RequiredCapabilities() []tool.Capability {
	out := make([]tool.Capability, 0, len(s.spec.RequiredCapabilities))
	for _, c := range s.spec.RequiredCapabilities {
		out = append(out, tool.Capability(c))
	}
	return out
}

func (s *SpecInstrument) Execute(ctx context.Context, query string, tc *task.Context) (*loop.InstrumentResult, error) {
	startedAt := time.Now()
	reasoning := s.tools[tool.CapReasoning]

	var (
		findings    []loop.Finding
		sources     []string
		confHistory []float64
		iteration   int
		outcome     = loop.OutcomeBounded
	)

	for iteration < s.spec.MaxIterations {
		if err := checkCancelled(ctx, tc); err != nil {
			return nil, err
		}
		iteration++

		carry := ""
		for _, phase := range s.spec.Phases {
			phaseStart := time.Now()

			var (
				content    string
				source     string
				confidence float64
			)
			if phase == "spawn" && tc != nil && tc.Spawn != nil {
				subQuery := carry
				if subQuery == "" {
					subQuery = query
				}
				sub, err := spawnSubtask(ctx, tc, subQuery, nil)
				if err != nil {
					return nil, err
				}
				findings = append(findings, sub.Findings...)
				sources = append(sources, sub.Metadata.SourcesConsulted...)
				content, confidence = sub.Summary, sub.Confidence
				if source = sub.Metadata.InstrumentUsed; source == "" {
					source = "spawn"
				}
			}
			if phase == "gather" {
				if ws, ok := s.tools[tool.CapWebSearch]; ok {
					prompt := carry
					if prompt == "" {
						prompt = query
					}
					resp, err := ws.Invoke(ctx, tool.Request{Capability: tool.CapWebSearch, Prompt: prompt})
					if err != nil {
						f := toolFailureFinding(err)
						content, source, confidence = f.Content, f.Source, f.Confidence
					} else {
						content, source, confidence = resp.Content, ws.Name(), 0.75
						sources = append(sources, resp.Sources...)
					}
				}
			}
			if content == "" {
				resp, err := reasoning.Invoke(ctx, tool.Request{
					Capability: tool.CapReasoning,
					Prompt:     s.phasePrompt(query, phase, iteration, carry, tc),
				})
				if err != nil {
					f := toolFailureFinding(err)
					content, source, confidence = f.Content, f.Source, f.Confidence
				} else {
					content, source, confidence = resp.Content, reasoning.Name(), 0.7
				}
			}

			findings = append(findings, loop.Finding{
				Content:    content,
				Source:     source,
				Confidence: confidence,
				Timestamp:  time.Now().UTC(),
			})
			carry = content

			emitCheckpoint(ctx, tc, iteration, phase,
				map[string]any{"query": query},
				map[string]any{"total_findings": len(findings)},
				phaseStart)
		}

		confidence := termination.CalculateConfidence(findings, len(uniqueSources(sources))+1, false)
		confHistory = append(confHistory, confidence)

		result := s.evaluator.Evaluate(termination.State{
			Iteration:         iteration,
			MaxIterations:     s.spec.MaxIterations,
			ConfidenceHistory: confHistory,
		})
		if result.Stop {
			outcome = result.Outcome
			break
		}
	}

	summary := ""
	if len(findings) > 0 {
		summary = findings[len(findings)-1].Content
	}
	confidence := 0.0
	if len(confHistory) > 0 {
		confidence = confHistory[len(confHistory)-1]
	}

	return &loop.InstrumentResult{
		Findings:   findings,
		Summary:    summary,
		Confidence: confidence,
		Outcome:    outcome,
		Metadata: loop.ExecutionMetadata{
			InstrumentUsed:   s.Name(),
			Iterations:       iteration,
			DurationMS:       time.Since(startedAt).Milliseconds(),
			SourcesConsulted: uniqueSources(sources),
			ProcessType:      s.ProcessType(),
		},
	}, nil
}

func (s *SpecInstrument) phasePrompt(query, phase string, iteration int, carry string, tc *task.Context) string {
	prompt := fmt.Sprintf("Loop %q, iteration %d, phase %q.\n\nQuery: %s%s",
		s.spec.Name, iteration, phase, query, contextAdditions(tc))
	if carry != "" {
		prompt += "\n\nOutput of the previous phase:\n" + carry
	}
	prompt += fmt.Sprintf("\n\nPerform the %q phase and return its output.", phase)
	return prompt
}
