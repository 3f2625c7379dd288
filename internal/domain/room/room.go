// Package room defines sibling execution nodes and the deterministic
// scoring used to pick one for delegation.
package room

import (
	"sort"
	"time"

	"github.com/loopsymphony/server/internal/domain"
)

// Type classifies a room by where it runs.
type Type string

const (
	TypeServer Type = "server"
	TypeIOS    Type = "ios"
	TypeLocal  Type = "local"
)

// Status is the registry's view of a room's availability.
type Status string

const (
	StatusOnline   Status = "online"
	StatusOffline  Status = "offline"
	StatusDegraded Status = "degraded"
)

// ServerRoomID is the registry entry for the hosting process itself.
// It never goes stale.
const ServerRoomID = "server"

// Room is a sibling node capable of running instruments.
type Room struct {
	RoomID       string    `json:"room_id"`
	RoomName     string    `json:"room_name"`
	RoomType     Type      `json:"room_type"`
	URL          string    `json:"url"`
	Capabilities []string  `json:"capabilities"`
	Status       Status    `json:"status"`
	Load         float64   `json:"load"` // 0..1, reported by the room
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// Validate checks a registration payload.
func (r *Room) Validate() error {
	if r.RoomID == "" {
		return domain.Validationf("room_id is required")
	}
	if r.RoomType == "" {
		return domain.Validationf("room_type is required")
	}
	if r.RoomType != TypeServer && r.URL == "" {
		return domain.Validationf("url is required for non-server rooms")
	}
	return nil
}

// HasCapabilities reports whether the room covers every required capability.
func (r *Room) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(r.Capabilities))
	for _, c := range r.Capabilities {
		have[c] = struct{}{}
	}
	for _, c := range required {
		if _, ok := have[c]; !ok {
			return false
		}
	}
	return true
}

// Stale reports whether the room has missed its heartbeat window. The
// server's own entry never goes stale.
func (r *Room) Stale(now time.Time, staleAfter time.Duration) bool {
	if r.RoomID == ServerRoomID {
		return false
	}
	return now.Sub(r.LastSeenAt) > staleAfter
}

// Selection holds the inputs to room scoring.
type Selection struct {
	RequiredCapabilities []string
	RequireLocality      bool // privacy-sensitive requests must stay on local/server rooms
}

// localityPreferred reports whether the room satisfies a locality requirement.
func localityPreferred(r *Room) bool {
	return r.RoomType == TypeLocal || r.RoomType == TypeServer
}

// Select picks the best room for the selection, or nil when no online
// room covers the required capabilities. Ordering: capability coverage
// is mandatory; then locality (when required), then lower load, then
// lexicographic room_id as the deterministic tie-break.
func Select(rooms []*Room, sel Selection) *Room {
	var candidates []*Room
	for _, r := range rooms {
		if r.Status != StatusOnline {
			continue
		}
		if !r.HasCapabilities(sel.RequiredCapabilities) {
			continue
		}
		if sel.RequireLocality && !localityPreferred(r) {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if la, lb := localityPreferred(a), localityPreferred(b); la != lb {
			return la
		}
		if a.Load != b.Load {
			return a.Load < b.Load
		}
		return a.RoomID < b.RoomID
	})
	return candidates[0]
}
