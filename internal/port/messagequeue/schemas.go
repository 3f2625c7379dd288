package messagequeue

import "time"

// TaskLifecyclePayload is the schema shared by the tasks.* subjects.
// Outcome is empty on every subject except tasks.complete.
type TaskLifecyclePayload struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Outcome string `json:"outcome,omitempty"`
}

// HeartbeatRunPayload is the schema for heartbeats.run messages.
type HeartbeatRunPayload struct {
	RunID       string    `json:"run_id"`
	HeartbeatID string    `json:"heartbeat_id"`
	TaskID      string    `json:"task_id,omitempty"`
	Status      string    `json:"status"`
	ScheduledAt time.Time `json:"scheduled_at"`
}
