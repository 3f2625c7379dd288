// Package event defines the task event shapes carried on the event bus
// and over SSE.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of task event.
type Type string

const (
	TypeStarted   Type = "started"
	TypeIteration Type = "iteration"
	TypeComplete  Type = "complete"
	TypeError     Type = "error"
	TypeCancelled Type = "cancelled"
)

// IsTerminal reports whether the type closes the task's topic.
func (t Type) IsTerminal() bool {
	return t == TypeComplete || t == TypeError || t == TypeCancelled
}

// Event is a single immutable entry on a task's topic.
type Event struct {
	TaskID    string          `json:"task_id"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// IterationPayload is the payload of a TypeIteration event.
type IterationPayload struct {
	Iteration  int            `json:"iteration_num"`
	Phase      string         `json:"phase"`
	DurationMS int64          `json:"duration_ms"`
	Data       map[string]any `json:"data,omitempty"`
}

// CompletePayload is the payload of a TypeComplete event.
type CompletePayload struct {
	Outcome    string  `json:"outcome"`
	Summary    string  `json:"summary"`
	Confidence float64 `json:"confidence"`
}

// ErrorPayload is the payload of a TypeError event.
type ErrorPayload struct {
	Error string `json:"error"`
}

// New builds an event with a marshaled payload. A payload that fails
// to marshal is dropped rather than blocking emission.
func New(taskID string, typ Type, payload any) Event {
	e := Event{TaskID: taskID, Type: typ, Timestamp: time.Now().UTC()}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			e.Payload = data
		}
	}
	return e
}
