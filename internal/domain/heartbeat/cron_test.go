package heartbeat

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, expr string) CronSchedule {
	t.Helper()
	c, err := ParseCron(expr)
	if err != nil {
		t.Fatalf("ParseCron(%q): %v", expr, err)
	}
	return c
}

func TestParseCronErrors(t *testing.T) {
	bad := []string{
		"",
		"* * * *",
		"* * * * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 7",
		"5-1 * * * *",
		"*/0 * * * *",
		"x * * * *",
	}
	for _, expr := range bad {
		if _, err := ParseCron(expr); err == nil {
			t.Errorf("ParseCron(%q) should fail", expr)
		}
	}
}

func TestCronMatches(t *testing.T) {
	tests := []struct {
		expr  string
		at    time.Time
		match bool
	}{
		{"* * * * *", time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC), true},
		{"30 9 * * *", time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC), true},
		{"30 9 * * *", time.Date(2026, 8, 24, 9, 31, 0, 0, time.UTC), false},
		{"*/15 * * * *", time.Date(2026, 8, 24, 9, 45, 0, 0, time.UTC), true},
		{"*/15 * * * *", time.Date(2026, 8, 24, 9, 50, 0, 0, time.UTC), false},
		{"0 8-17 * * *", time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC), true},
		{"0 8-17 * * *", time.Date(2026, 8, 24, 18, 0, 0, 0, time.UTC), false},
		// 2026-08-24 is a Monday
		{"0 9 * * 1", time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC), true},
		{"0 9 * * 2", time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC), false},
		{"0 9 1,15 * *", time.Date(2026, 8, 15, 9, 0, 0, 0, time.UTC), true},
		{"0 9 1,15 * *", time.Date(2026, 8, 16, 9, 0, 0, 0, time.UTC), false},
		// both day fields restricted: OR semantics
		{"0 9 16 * 1", time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC), true},
		{"0 9 16 * 1", time.Date(2026, 8, 16, 9, 0, 0, 0, time.UTC), true},
		{"0 9 16 * 1", time.Date(2026, 8, 18, 9, 0, 0, 0, time.UTC), false},
		{"0 0 * 12 *", time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC), true},
		{"0 0 * 12 *", time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC), false},
	}

	for _, tt := range tests {
		c := mustParse(t, tt.expr)
		if got := c.Matches(tt.at); got != tt.match {
			t.Errorf("%q at %s: match = %v, want %v", tt.expr, tt.at, got, tt.match)
		}
	}
}

func TestCronNextAfter(t *testing.T) {
	c := mustParse(t, "30 9 * * *")
	from := time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC)

	next := c.NextAfter(from)
	want := time.Date(2026, 8, 25, 9, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("NextAfter = %s, want %s", next, want)
	}

	// From just before the slot, the same day fires.
	next = c.NextAfter(from.Add(-time.Minute))
	if !next.Equal(from) {
		t.Errorf("NextAfter = %s, want %s", next, from)
	}
}

func TestHeartbeatDueUsesTimezone(t *testing.T) {
	h := &Heartbeat{
		Name:           "morning",
		QueryTemplate:  "brief",
		CronExpression: "0 9 * * *",
		Timezone:       "America/New_York",
	}
	// 13:00 UTC == 09:00 EDT on 2026-08-24.
	at := time.Date(2026, 8, 24, 13, 0, 0, 0, time.UTC)
	if !h.Due(at) {
		t.Error("heartbeat should be due at 09:00 local")
	}
	if h.Due(at.Add(time.Hour)) {
		t.Error("heartbeat should not be due at 10:00 local")
	}
}

func TestExpandTemplate(t *testing.T) {
	now := time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC)
	got := ExpandTemplate("Brief for {user_name} on {weekday} {date} at {time} ({heartbeat_name})",
		now, "Ada", "morning-brief")
	want := "Brief for Ada on Monday 2026-08-24 at 09:30 (morning-brief)"
	if got != want {
		t.Errorf("ExpandTemplate = %q, want %q", got, want)
	}
}

func TestHeartbeatValidate(t *testing.T) {
	h := &Heartbeat{Name: "n", QueryTemplate: "q", CronExpression: "0 9 * * *"}
	if err := h.Validate(); err != nil {
		t.Fatalf("valid heartbeat rejected: %v", err)
	}

	h.CronExpression = "not a cron"
	if err := h.Validate(); err == nil {
		t.Error("bad cron accepted")
	}

	h.CronExpression = "0 9 * * *"
	h.Timezone = "Mars/Olympus"
	if err := h.Validate(); err == nil {
		t.Error("bad timezone accepted")
	}
}
