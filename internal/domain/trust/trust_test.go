package trust

import (
	"testing"
	"time"

	"github.com/loopsymphony/server/internal/domain/loop"
)

func TestRecordOutcome(t *testing.T) {
	m := &Metrics{AppID: "app", UserID: "user"}
	now := time.Now()

	m.RecordOutcome(loop.OutcomeComplete, now)
	m.RecordOutcome(loop.OutcomeSaturated, now)
	if m.TotalTasks != 2 || m.SuccessfulTasks != 2 || m.ConsecutiveSuccesses != 2 {
		t.Fatalf("after two successes: %+v", m)
	}

	m.RecordOutcome(loop.OutcomeBounded, now)
	if m.FailedTasks != 1 {
		t.Errorf("bounded should count as failure, got %d", m.FailedTasks)
	}
	if m.ConsecutiveSuccesses != 0 {
		t.Errorf("failure should reset consecutive count, got %d", m.ConsecutiveSuccesses)
	}
	if m.LastTaskAt == nil {
		t.Error("last_task_at not set")
	}
}

func TestUpgradeSuggestion(t *testing.T) {
	tests := []struct {
		name      string
		metrics   Metrics
		wantLevel Level
		wantNil   bool
	}{
		{
			name: "0 to 1 at five consecutive",
			metrics: Metrics{
				CurrentTrustLevel: 0, TotalTasks: 6, SuccessfulTasks: 5,
				FailedTasks: 1, ConsecutiveSuccesses: 5,
			},
			wantLevel: LevelFullVisibility,
		},
		{
			name: "0 to 1 blocked by low rate",
			metrics: Metrics{
				CurrentTrustLevel: 0, TotalTasks: 10, SuccessfulTasks: 5,
				FailedTasks: 5, ConsecutiveSuccesses: 5,
			},
			wantNil: true,
		},
		{
			name: "1 to 2 at ten consecutive",
			metrics: Metrics{
				CurrentTrustLevel: 1, TotalTasks: 10, SuccessfulTasks: 10,
				ConsecutiveSuccesses: 10,
			},
			wantLevel: LevelMinimalSurface,
		},
		{
			name: "1 to 2 blocked below ten consecutive",
			metrics: Metrics{
				CurrentTrustLevel: 1, TotalTasks: 9, SuccessfulTasks: 9,
				ConsecutiveSuccesses: 9,
			},
			wantNil: true,
		},
		{
			name: "level 2 never upgraded",
			metrics: Metrics{
				CurrentTrustLevel: 2, TotalTasks: 100, SuccessfulTasks: 100,
				ConsecutiveSuccesses: 100,
			},
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.metrics.UpgradeSuggestion()
			if tt.wantNil {
				if s != nil {
					t.Fatalf("expected nil suggestion, got %+v", s)
				}
				return
			}
			if s == nil {
				t.Fatal("expected a suggestion")
			}
			if s.SuggestedLevel != tt.wantLevel {
				t.Errorf("suggested = %d, want %d", s.SuggestedLevel, tt.wantLevel)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	if _, err := ParseLevel(3); err == nil {
		t.Error("level 3 should be rejected")
	}
	if _, err := ParseLevel(-1); err == nil {
		t.Error("level -1 should be rejected")
	}
	l, err := ParseLevel(2)
	if err != nil || l != LevelMinimalSurface {
		t.Errorf("ParseLevel(2) = %d, %v", l, err)
	}
}
