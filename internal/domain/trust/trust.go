// Package trust defines per-(app, user) trust metrics and the
// level-upgrade suggestion rules.
package trust

import (
	"time"

	"github.com/loopsymphony/server/internal/domain"
	"github.com/loopsymphony/server/internal/domain/loop"
)

// Level gates how much autonomy a user's tasks get.
//
//	0: every task is held as a plan until approved
//	1: auto-execute with full result visibility
//	2: auto-execute with a minimal result surface
type Level int

const (
	LevelApprovalRequired Level = 0
	LevelFullVisibility   Level = 1
	LevelMinimalSurface   Level = 2
)

// Valid reports whether l is a defined trust level.
func (l Level) Valid() bool { return l >= 0 && l <= 2 }

// Metrics is the persisted success record for one (app, user) pair.
type Metrics struct {
	AppID                 string     `json:"app_id"`
	UserID                string     `json:"user_id"`
	TotalTasks            int        `json:"total_tasks"`
	SuccessfulTasks       int        `json:"successful_tasks"`
	FailedTasks           int        `json:"failed_tasks"`
	ConsecutiveSuccesses  int        `json:"consecutive_successes"`
	CurrentTrustLevel     Level      `json:"current_trust_level"`
	LastTaskAt            *time.Time `json:"last_task_at,omitempty"`
}

// SuccessRate returns successful/total, or 0 for an empty record.
func (m *Metrics) SuccessRate() float64 {
	if m.TotalTasks == 0 {
		return 0
	}
	return float64(m.SuccessfulTasks) / float64(m.TotalTasks)
}

// RecordOutcome folds one terminal outcome into the metrics. Success is
// complete or saturated; anything else resets the consecutive counter.
// The stored trust level never changes here.
func (m *Metrics) RecordOutcome(outcome loop.Outcome, at time.Time) {
	m.TotalTasks++
	if outcome.IsSuccess() {
		m.SuccessfulTasks++
		m.ConsecutiveSuccesses++
	} else {
		m.FailedTasks++
		m.ConsecutiveSuccesses = 0
	}
	m.LastTaskAt = &at
}

// Suggestion proposes a trust level upgrade. Nil means no change.
type Suggestion struct {
	CurrentLevel   Level   `json:"current_level"`
	SuggestedLevel Level   `json:"suggested_level"`
	Reason         string  `json:"reason"`
	SuccessRate    float64 `json:"success_rate"`
}

// UpgradeSuggestion applies the upgrade rules:
//
//	0 → 1 when consecutive successes ≥ 5 and success rate ≥ 0.80
//	1 → 2 when consecutive successes ≥ 10 and success rate ≥ 0.90
//
// Downgrades are never suggested.
func (m *Metrics) UpgradeSuggestion() *Suggestion {
	rate := m.SuccessRate()
	switch m.CurrentTrustLevel {
	case LevelApprovalRequired:
		if m.ConsecutiveSuccesses >= 5 && rate >= 0.80 {
			return &Suggestion{
				CurrentLevel:   LevelApprovalRequired,
				SuggestedLevel: LevelFullVisibility,
				Reason:         "5+ consecutive successes with at least 80% success rate",
				SuccessRate:    rate,
			}
		}
	case LevelFullVisibility:
		if m.ConsecutiveSuccesses >= 10 && rate >= 0.90 {
			return &Suggestion{
				CurrentLevel:   LevelFullVisibility,
				SuggestedLevel: LevelMinimalSurface,
				Reason:         "10+ consecutive successes with at least 90% success rate",
				SuccessRate:    rate,
			}
		}
	}
	return nil
}

// ParseLevel validates a caller-supplied trust level.
func ParseLevel(n int) (Level, error) {
	l := Level(n)
	if !l.Valid() {
		return 0, domain.Validationf("trust_level must be 0, 1 or 2")
	}
	return l, nil
}
