// Package termination decides, each iteration, whether a loop stops and
// with which outcome.
package termination

import (
	"fmt"

	"github.com/loopsymphony/server/internal/domain/loop"
)

// Contradiction flags an unresolved conflict between findings.
type Contradiction struct {
	Description string
	Severity    Severity
}

// Severity grades a contradiction.
type Severity string

const (
	SeverityMinor       Severity = "minor"
	SeverityModerate    Severity = "moderate"
	SeveritySignificant Severity = "significant"
)

// blocking reports whether the severity forces an inconclusive outcome.
func (s Severity) blocking() bool {
	return s == SeverityModerate || s == SeveritySignificant
}

// State is the per-iteration input to the evaluator.
type State struct {
	Iteration         int       // 1-indexed
	MaxIterations     int
	ConfidenceHistory []float64 // one entry per completed iteration, oldest first
	NewSources        bool      // the last iteration consulted a source not seen before
	Contradiction     *Contradiction
}

// Result is the evaluator's decision for one iteration.
type Result struct {
	Stop        bool
	Outcome     loop.Outcome
	Reason      string
	Discrepancy string
}

// Evaluator applies the termination rules. Zero-value thresholds are
// replaced with the defaults.
type Evaluator struct {
	ConfidenceThreshold float64 // default 0.85
	DeltaThreshold      float64 // default 0.02
}

const (
	defaultConfidenceThreshold = 0.85
	defaultDeltaThreshold      = 0.02
)

// NewEvaluator returns an evaluator with the given thresholds, falling
// back to defaults for zero values.
func NewEvaluator(confidenceThreshold, deltaThreshold float64) *Evaluator {
	if confidenceThreshold == 0 {
		confidenceThreshold = defaultConfidenceThreshold
	}
	if deltaThreshold == 0 {
		deltaThreshold = defaultDeltaThreshold
	}
	return &Evaluator{
		ConfidenceThreshold: confidenceThreshold,
		DeltaThreshold:      deltaThreshold,
	}
}

// Evaluate applies the rules in order:
//
//  1. confidence ≥ threshold            → complete
//  2. delta < threshold, no new sources → saturated
//  3. iteration ≥ max_iterations        → bounded
//  4. blocking contradiction            → inconclusive
//
// Rule 1 wins over rule 2 on the same iteration, and saturation wins
// over bounds when both trigger: no progress over the window is the
// stronger signal than an exhausted budget.
func (e *Evaluator) Evaluate(s State) Result {
	current := 0.0
	if n := len(s.ConfidenceHistory); n > 0 {
		current = s.ConfidenceHistory[n-1]
	}

	if current >= e.ConfidenceThreshold {
		return Result{
			Stop:    true,
			Outcome: loop.OutcomeComplete,
			Reason:  fmt.Sprintf("confidence %.2f reached threshold %.2f", current, e.ConfidenceThreshold),
		}
	}

	if n := len(s.ConfidenceHistory); n >= 2 && !s.NewSources {
		delta := current - s.ConfidenceHistory[n-2]
		if delta < 0 {
			delta = -delta
		}
		if delta < e.DeltaThreshold {
			return Result{
				Stop:    true,
				Outcome: loop.OutcomeSaturated,
				Reason:  fmt.Sprintf("confidence delta %.3f below %.3f with no new sources", delta, e.DeltaThreshold),
			}
		}
	}

	if s.Iteration >= s.MaxIterations {
		return Result{
			Stop:    true,
			Outcome: loop.OutcomeBounded,
			Reason:  fmt.Sprintf("reached maximum iterations (%d)", s.MaxIterations),
		}
	}

	if c := s.Contradiction; c != nil && c.Severity.blocking() {
		return Result{
			Stop:        true,
			Outcome:     loop.OutcomeInconclusive,
			Reason:      "unresolved contradiction in findings",
			Discrepancy: c.Description,
		}
	}

	return Result{Reason: "continue"}
}

// CalculateConfidence scores the current findings set. Base 0.3 for
// having any findings, boosted by finding count, unique sources, a
// direct answer and the average per-finding confidence; capped at 1.0.
func CalculateConfidence(findings []loop.Finding, sourcesCount int, hasAnswer bool) float64 {
	if len(findings) == 0 {
		return 0.0
	}

	base := 0.3
	findingBoost := min(0.2, float64(len(findings))*0.05)
	sourceBoost := min(0.2, float64(sourcesCount)*0.04)

	answerBoost := 0.0
	if hasAnswer {
		answerBoost = 0.2
	}

	sum := 0.0
	for _, f := range findings {
		sum += f.Confidence
	}
	confidenceBoost := sum / float64(len(findings)) * 0.1

	return min(1.0, base+findingBoost+sourceBoost+answerBoost+confidenceBoost)
}
