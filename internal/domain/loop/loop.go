// Package loop defines the core value types of the cognitive loop
// engine: outcomes, findings, instrument results and execution metadata.
package loop

import "time"

// Outcome is the terminal classification of a loop.
type Outcome string

const (
	// OutcomeComplete means the loop reached the confidence threshold.
	OutcomeComplete Outcome = "complete"
	// OutcomeSaturated means additional iterations stopped adding signal.
	OutcomeSaturated Outcome = "saturated"
	// OutcomeBounded means the iteration budget was exhausted first.
	OutcomeBounded Outcome = "bounded"
	// OutcomeInconclusive means findings carry an unresolved contradiction.
	OutcomeInconclusive Outcome = "inconclusive"
)

// IsSuccess reports whether the outcome counts toward trust metrics.
func (o Outcome) IsSuccess() bool {
	return o == OutcomeComplete || o == OutcomeSaturated
}

// ProcessType is the observability tag attached to an execution.
type ProcessType string

const (
	// ProcessAutonomic runs invisibly; single-shot instruments.
	ProcessAutonomic ProcessType = "autonomic"
	// ProcessSemiAutonomic runs summarized; iterative instruments.
	ProcessSemiAutonomic ProcessType = "semi_autonomic"
	// ProcessConscious runs streamed; compositions.
	ProcessConscious ProcessType = "conscious"
)

// Finding is a single piece of evidence accumulated by an instrument.
type Finding struct {
	Content    string    `json:"content"`
	Source     string    `json:"source,omitempty"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// FailoverEvent records a delegation failure recovered by local execution.
type FailoverEvent struct {
	RoomID string    `json:"room_id"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// ExecutionMetadata describes how an instrument run unfolded.
type ExecutionMetadata struct {
	InstrumentUsed   string          `json:"instrument_used"`
	Iterations       int             `json:"iterations"`
	DurationMS       int64           `json:"duration_ms"`
	SourcesConsulted []string        `json:"sources_consulted"`
	ProcessType      ProcessType     `json:"process_type"`
	RoomID           string          `json:"room_id,omitempty"`
	FailoverEvents   []FailoverEvent `json:"failover_events,omitempty"`
}

// InstrumentResult is the terminal record of one instrument execution.
type InstrumentResult struct {
	Findings           []Finding         `json:"findings"`
	Summary            string            `json:"summary"`
	Confidence         float64           `json:"confidence"`
	Outcome            Outcome           `json:"outcome"`
	Discrepancy        string            `json:"discrepancy,omitempty"`
	Metadata           ExecutionMetadata `json:"metadata"`
	SuggestedFollowups []string          `json:"suggested_followups,omitempty"`
}

// InstrumentConfig carries per-step overrides inside compositions.
// Zero values mean "no override".
type InstrumentConfig struct {
	MaxIterations       int     `json:"max_iterations,omitempty"`
	ConfidenceThreshold float64 `json:"confidence_threshold,omitempty"`
}

// Spec declares a dynamically registered phase-based loop. The closed
// instrument set (note, research, vision, synthesis) is extended at
// runtime by registering Specs under new names.
type Spec struct {
	Name                 string      `json:"name"`
	Phases               []string    `json:"phases"`
	MaxIterations        int         `json:"max_iterations"`
	ProcessType          ProcessType `json:"process_type"`
	RequiredCapabilities []string    `json:"required_capabilities"`
	OptionalCapabilities []string    `json:"optional_capabilities,omitempty"`
}
