package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event type constants for WebSocket messages.
const (
	EventTaskStatus   = "task.status"
	EventHeartbeatRun = "heartbeat.run"
	EventRoomStatus   = "room.status"
)

// TaskStatusEvent is broadcast on every task lifecycle transition.
type TaskStatusEvent struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Outcome string `json:"outcome,omitempty"`
}

// HeartbeatRunEvent is broadcast when the scheduler fires a heartbeat.
type HeartbeatRunEvent struct {
	HeartbeatID string `json:"heartbeat_id"`
	RunID       string `json:"run_id"`
	TaskID      string `json:"task_id,omitempty"`
	Status      string `json:"status"`
}

// RoomStatusEvent is broadcast when a room changes status.
type RoomStatusEvent struct {
	RoomID string `json:"room_id"`
	Status string `json:"status"`
}

// BroadcastEvent marshals a typed event and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
