// Package knowledge defines the versioned knowledge entries synced to
// rooms piggybacked on their heartbeats.
package knowledge

import "time"

// Entry is one versioned knowledge item owned by an app. Versions are
// monotonically increasing per app; rooms pull deltas by version.
type Entry struct {
	ID        string    `json:"id"`
	AppID     string    `json:"app_id"`
	Key       string    `json:"key"`
	Content   string    `json:"content"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SyncState records how far a room has caught up.
type SyncState struct {
	RoomID               string    `json:"room_id"`
	LastKnowledgeVersion int64     `json:"last_knowledge_version"`
	SyncedAt             time.Time `json:"synced_at"`
}
