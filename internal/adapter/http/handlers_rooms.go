package http

import (
	"net/http"

	"github.com/loopsymphony/server/internal/domain/room"
	"github.com/loopsymphony/server/internal/service"
)

// RegisterRoom handles POST /rooms/register.
func (h *Handlers) RegisterRoom(w http.ResponseWriter, r *http.Request) {
	rm, ok := readJSON[*room.Room](w, r)
	if !ok {
		return
	}
	if err := h.Rooms.Register(r.Context(), rm); err != nil {
		writeDomainError(w, err, "room could not be registered")
		return
	}
	writeJSON(w, http.StatusCreated, rm)
}

// RoomHeartbeat handles POST /rooms/heartbeat. The ack piggybacks the
// knowledge delta since the room's last synced version.
func (h *Handlers) RoomHeartbeat(w http.ResponseWriter, r *http.Request) {
	hb, ok := readJSON[*service.RoomHeartbeat](w, r)
	if !ok {
		return
	}
	ack, err := h.Rooms.Heartbeat(r.Context(), hb)
	if err != nil {
		writeDomainError(w, err, "unknown room")
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

type deregisterRoomRequest struct {
	RoomID string `json:"room_id"`
}

// DeregisterRoom handles POST /rooms/deregister.
func (h *Handlers) DeregisterRoom(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[deregisterRoomRequest](w, r)
	if !ok {
		return
	}
	if err := h.Rooms.Deregister(body.RoomID); err != nil {
		writeDomainError(w, err, "unknown room")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListRooms handles GET /rooms.
func (h *Handlers) ListRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rooms": h.Rooms.List()})
}

// GetRoom handles GET /rooms/{id}.
func (h *Handlers) GetRoom(w http.ResponseWriter, r *http.Request) {
	rm, err := h.Rooms.Get(urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "room not found")
		return
	}
	writeJSON(w, http.StatusOK, rm)
}

// RoomStatus handles GET /rooms/status: rooms grouped by availability
// plus the capability union of the online ones.
func (h *Handlers) RoomStatus(w http.ResponseWriter, r *http.Request) {
	var online, offline, degraded []string
	capSet := make(map[string]struct{})
	for _, rm := range h.Rooms.List() {
		switch rm.Status {
		case room.StatusOnline:
			online = append(online, rm.RoomID)
			for _, c := range rm.Capabilities {
				capSet[c] = struct{}{}
			}
		case room.StatusDegraded:
			degraded = append(degraded, rm.RoomID)
		default:
			offline = append(offline, rm.RoomID)
		}
	}
	caps := make([]string, 0, len(capSet))
	for c := range capSet {
		caps = append(caps, c)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"online":                 online,
		"offline":                offline,
		"degraded":               degraded,
		"available_capabilities": caps,
	})
}
