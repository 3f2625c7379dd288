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

const visionMaxIterations = 3

// ParseImageAttachments turns attachment strings into tool images.
// Recognition is delegated to the domain image-ref parser so routing
// and execution agree on what counts as an image.
func ParseImageAttachments(attachments []string) []tool.Image {
	var images []tool.Image
	for _, a := range attachments {
		ref, ok := loop.ParseImageRef(a)
		if !ok {
			continue
		}
		switch ref.Kind {
		case loop.ImageRefData:
			images = append(images, tool.Image{MediaType: ref.MediaType, Base64: ref.Data})
		case loop.ImageRefURL:
			images = append(images, tool.Image{MediaType: ref.MediaType, URL: ref.URL})
		}
	}
	return images
}

// VisionInstrument iteratively analyzes image attachments, refining its
// observations across up to three passes.
type VisionInstrument struct {
	vision    tool.Tool
	reasoning tool.Tool
	evaluator *termination.Evaluator
}

// NewVisionInstrument resolves the vision instrument's tools.
func NewVisionInstrument(reg *tool.Registry, opts InstrumentOptions) (*VisionInstrument, error) {
	resolved, err := reg.Resolve([]tool.Capability{tool.CapReasoning, tool.CapVision}, nil)
	if err != nil {
		return nil, err
	}
	return &VisionInstrument{
		vision:    resolved[tool.CapVision],
		reasoning: resolved[tool.CapReasoning],
		evaluator: termination.NewEvaluator(opts.ConfidenceThreshold, opts.DeltaThreshold),
	}, nil
}

func (v *VisionInstrument) Name() string                  { return "vision" }
func (v *VisionInstrument) MaxIterations() int            { return visionMaxIterations }
func (v *VisionInstrument) ProcessType() loop.ProcessType { return loop.ProcessSemiAutonomic }
func (v *VisionInstrument) RequiredCapabilities() []tool.Capability {
	return []tool.Capability{tool.CapReasoning, tool.CapVision}
}

func (v *VisionInstrument) Execute(ctx context.Context, query string, tc *task.Context) (*loop.InstrumentResult, error) {
	startedAt := time.Now()

	var images []tool.Image
	if tc != nil {
		images = ParseImageAttachments(tc.RequestContextOrEmpty().Attachments)
	}
	if len(images) == 0 {
		return &loop.InstrumentResult{
			Summary:    "No images provided for vision analysis.",
			Confidence: 0,
			Outcome:    loop.OutcomeBounded,
			Metadata: loop.ExecutionMetadata{
				InstrumentUsed: v.Name(),
				DurationMS:     time.Since(startedAt).Milliseconds(),
				ProcessType:    v.ProcessType(),
			},
			SuggestedFollowups: []string{"Please attach an image for visual analysis."},
		}, nil
	}

	var (
		findings         []loop.Finding
		confHistory      []float64
		iteration        int
		outcome          = loop.OutcomeBounded
		previousAnalysis string
	)

	for iteration < visionMaxIterations {
		if err := checkCancelled(ctx, tc); err != nil {
			return nil, err
		}
		iteration++
		iterStart := time.Now()

		resp, err := v.vision.Invoke(ctx, tool.Request{
			Capability: tool.CapVision,
			Prompt:     v.analysisPrompt(query, tc, iteration, previousAnalysis),
			Images:     images,
			Params:     map[string]any{"system": v.systemPrompt(iteration, previousAnalysis)},
		})

		var newFindings []loop.Finding
		if err != nil {
			newFindings = []loop.Finding{toolFailureFinding(err)}
		} else {
			newFindings = v.extractFindings(resp.Content)
			previousAnalysis = resp.Content
		}
		findings = append(findings, newFindings...)

		hasAnswer := false
		for _, f := range newFindings {
			if f.Confidence > 0.8 {
				hasAnswer = true
				break
			}
		}
		confidence := termination.CalculateConfidence(findings, 1, hasAnswer)
		confHistory = append(confHistory, confidence)

		result := v.evaluator.Evaluate(termination.State{
			Iteration:         iteration,
			MaxIterations:     visionMaxIterations,
			ConfidenceHistory: confHistory,
		})

		emitCheckpoint(ctx, tc, iteration, "vision_analysis",
			map[string]any{"query": query, "image_count": len(images)},
			map[string]any{
				"new_findings":   len(newFindings),
				"total_findings": len(findings),
				"confidence":     confidence,
				"stop":           result.Stop,
			},
			iterStart)

		if result.Stop {
			outcome = result.Outcome
			break
		}
	}

	summary := v.synthesize(ctx, query, findings)
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
			InstrumentUsed:   v.Name(),
			Iterations:       iteration,
			DurationMS:       time.Since(startedAt).Milliseconds(),
			SourcesConsulted: []string{v.vision.Name()},
			ProcessType:      v.ProcessType(),
		},
	}, nil
}

func (v *VisionInstrument) systemPrompt(iteration int, previousAnalysis string) string {
	base := "You are a visual analysis expert. Examine the provided image(s) " +
		"carefully and extract all relevant information related to the user's query.\n\n" +
		"Respond with a JSON object (no markdown wrapping) with these keys:\n" +
		`- "observations": list of specific things you see that are relevant` + "\n" +
		`- "analysis": narrative interpretation addressing the query` + "\n" +
		`- "confidence": 0.0-1.0 how confident you are in your analysis`
	if iteration > 1 && previousAnalysis != "" {
		base += "\n\nYou previously analyzed this image. Look again more carefully, " +
			"focusing on details you might have missed, ambiguities, or areas " +
			"where confidence was low. Add new observations and correct any mistakes."
	}
	return base
}

func (v *VisionInstrument) analysisPrompt(query string, tc *task.Context, iteration int, previousAnalysis string) string {
	prompt := "Query: " + query
	if tc != nil {
		if loc := tc.RequestContextOrEmpty().Location; loc != "" {
			prompt += "\nUser location: " + loc
		}
	}
	if iteration > 1 && previousAnalysis != "" {
		excerpt := previousAnalysis
		if len(excerpt) > 2000 {
			excerpt = excerpt[:2000]
		}
		prompt += fmt.Sprintf("\n\nPrevious analysis (iteration %d):\n%s", iteration-1, excerpt)
	}
	return prompt + "\n\nAnalyze the image(s) and respond with the JSON object."
}

func (v *VisionInstrument) extractFindings(response string) []loop.Finding {
	if obj := parseJSONObject(response); obj != nil {
		confidence := jsonFloat(obj, "confidence", 0.7)
		observations := jsonStrings(obj, "observations")
		var findings []loop.Finding
		for _, obs := range observations {
			findings = append(findings, loop.Finding{
				Content:    obs,
				Source:     v.vision.Name(),
				Confidence: confidence,
				Timestamp:  time.Now().UTC(),
			})
		}
		if len(findings) > 0 {
			return findings
		}
	}
	content := response
	if len(content) > 1000 {
		content = content[:1000]
	}
	return []loop.Finding{{
		Content:    content,
		Source:     v.vision.Name(),
		Confidence: 0.7,
		Timestamp:  time.Now().UTC(),
	}}
}

func (v *VisionInstrument) synthesize(ctx context.Context, query string, findings []loop.Finding) string {
	if len(findings) == 0 {
		return "No visual information could be extracted."
	}
	var sb strings.Builder
	for _, f := range findings {
		sb.WriteString("- " + f.Content + "\n")
	}
	resp, err := v.reasoning.Invoke(ctx, tool.Request{
		Capability: tool.CapReasoning,
		Prompt: fmt.Sprintf("Original query: %s\n\nVisual observations:\n%s\n"+
			"Synthesize these observations into a clear, direct answer to the query.",
			query, sb.String()),
		Params: map[string]any{"system": "You are a visual analysis synthesizer. Combine the observations " +
			"into a coherent summary that directly addresses the user's query. " +
			"Be concise but comprehensive."},
	})
	if err != nil {
		return findings[0].Content
	}
	return resp.Content
}
