// Package heartbeat defines cron-scheduled recurring task templates.
package heartbeat

import (
	"strings"
	"time"

	"github.com/loopsymphony/server/internal/domain"
)

// Heartbeat is a recurring task template owned by an app.
type Heartbeat struct {
	ID              string         `json:"id"`
	AppID           string         `json:"app_id"`
	UserID          string         `json:"user_id,omitempty"`
	Name            string         `json:"name"`
	QueryTemplate   string         `json:"query_template"`
	CronExpression  string         `json:"cron_expression"`
	Timezone        string         `json:"timezone"`
	ContextTemplate map[string]any `json:"context_template,omitempty"`
	WebhookURL      string         `json:"webhook_url,omitempty"`
	IsActive        bool           `json:"is_active"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Validate checks a heartbeat definition.
func (h *Heartbeat) Validate() error {
	if h.Name == "" {
		return domain.Validationf("name is required")
	}
	if h.QueryTemplate == "" {
		return domain.Validationf("query_template is required")
	}
	if _, err := ParseCron(h.CronExpression); err != nil {
		return domain.Validationf("cron_expression: %v", err)
	}
	if h.Timezone != "" {
		if _, err := time.LoadLocation(h.Timezone); err != nil {
			return domain.Validationf("unknown timezone %q", h.Timezone)
		}
	}
	return nil
}

// Location resolves the heartbeat's timezone, defaulting to UTC.
func (h *Heartbeat) Location() *time.Location {
	if h.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(h.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Due reports whether the heartbeat fires in the minute containing now.
func (h *Heartbeat) Due(now time.Time) bool {
	sched, err := ParseCron(h.CronExpression)
	if err != nil {
		return false
	}
	return sched.Matches(now.In(h.Location()))
}

// RunStatus tracks a single materialized heartbeat execution.
type RunStatus string

const (
	RunPending  RunStatus = "pending"
	RunRunning  RunStatus = "running"
	RunComplete RunStatus = "complete"
	RunFailed   RunStatus = "failed"
)

// Run records one firing of a heartbeat.
type Run struct {
	ID          string     `json:"id"`
	HeartbeatID string     `json:"heartbeat_id"`
	AppID       string     `json:"app_id"`
	TaskID      string     `json:"task_id,omitempty"`
	Status      RunStatus  `json:"status"`
	ScheduledAt time.Time  `json:"scheduled_at"` // truncated to the cron minute
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// ExpandTemplate substitutes the supported placeholders into a query or
// context template: {date}, {datetime}, {time}, {weekday},
// {user_name}, {heartbeat_name}.
func ExpandTemplate(tmpl string, now time.Time, userName, heartbeatName string) string {
	r := strings.NewReplacer(
		"{date}", now.Format("2006-01-02"),
		"{datetime}", now.Format("2006-01-02 15:04"),
		"{time}", now.Format("15:04"),
		"{weekday}", now.Weekday().String(),
		"{user_name}", userName,
		"{heartbeat_name}", heartbeatName,
	)
	return r.Replace(tmpl)
}
