package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loopsymphony/server/internal/domain"
	"github.com/loopsymphony/server/internal/domain/knowledge"
	"github.com/loopsymphony/server/internal/domain/room"
	"github.com/loopsymphony/server/internal/port/database"
)

const defaultStaleAfter = 120 * time.Second

// RoomHeartbeat is the wire payload of POST /rooms/heartbeat.
type RoomHeartbeat struct {
	RoomID               string   `json:"room_id"`
	Load                 float64  `json:"load"`
	Capabilities         []string `json:"capabilities,omitempty"`
	LastKnowledgeVersion int64    `json:"last_knowledge_version"`
}

// RoomHeartbeatAck carries the knowledge delta piggybacked on the
// heartbeat response.
type RoomHeartbeatAck struct {
	Status           room.Status       `json:"status"`
	KnowledgeEntries []knowledge.Entry `json:"knowledge_entries,omitempty"`
	KnowledgeVersion int64             `json:"knowledge_version"`
}

// RoomRegistry tracks sibling rooms, their liveness and the knowledge
// sync high-water mark per room. The hosting process registers itself
// under room.ServerRoomID and never goes stale.
type RoomRegistry struct {
	mu         sync.RWMutex
	rooms      map[string]*room.Room
	store      database.Store
	staleAfter time.Duration
}

// NewRoomRegistry creates a registry pre-seeded with the server's own
// room entry carrying the given capabilities.
func NewRoomRegistry(store database.Store, staleAfter time.Duration, serverCapabilities []string) *RoomRegistry {
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	r := &RoomRegistry{
		rooms:      make(map[string]*room.Room),
		store:      store,
		staleAfter: staleAfter,
	}
	r.rooms[room.ServerRoomID] = &room.Room{
		RoomID:       room.ServerRoomID,
		RoomName:     "server",
		RoomType:     room.TypeServer,
		Capabilities: serverCapabilities,
		Status:       room.StatusOnline,
		LastSeenAt:   time.Now().UTC(),
	}
	return r
}

// Register adds or replaces a room entry.
func (r *RoomRegistry) Register(ctx context.Context, rm *room.Room) error {
	if err := rm.Validate(); err != nil {
		return err
	}
	if rm.RoomID == room.ServerRoomID {
		return domain.Validationf("room_id %q is reserved", room.ServerRoomID)
	}
	rm.Status = room.StatusOnline
	rm.LastSeenAt = time.Now().UTC()

	r.mu.Lock()
	r.rooms[rm.RoomID] = rm
	r.mu.Unlock()

	slog.Info("room registered", "room_id", rm.RoomID, "room_type", rm.RoomType, "capabilities", rm.Capabilities)
	return nil
}

// Heartbeat refreshes a room's liveness and returns the knowledge
// entries added since the room's reported version.
func (r *RoomRegistry) Heartbeat(ctx context.Context, hb *RoomHeartbeat) (*RoomHeartbeatAck, error) {
	if hb.RoomID == "" {
		return nil, domain.Validationf("room_id is required")
	}

	r.mu.Lock()
	rm, ok := r.rooms[hb.RoomID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("room %s: %w", hb.RoomID, domain.ErrNotFound)
	}
	rm.Status = room.StatusOnline
	rm.Load = hb.Load
	rm.LastSeenAt = time.Now().UTC()
	if len(hb.Capabilities) > 0 {
		rm.Capabilities = hb.Capabilities
	}
	r.mu.Unlock()

	ack := &RoomHeartbeatAck{
		Status:           room.StatusOnline,
		KnowledgeVersion: hb.LastKnowledgeVersion,
	}
	entries, err := r.store.ListKnowledgeSince(ctx, hb.LastKnowledgeVersion)
	if err != nil {
		// Liveness was already refreshed; a sync failure degrades the
		// heartbeat rather than failing it.
		slog.Warn("knowledge sync failed", "room_id", hb.RoomID, "error", err)
		return ack, nil
	}
	if len(entries) > 0 {
		ack.KnowledgeEntries = entries
		ack.KnowledgeVersion = entries[len(entries)-1].Version
		if err := r.store.UpsertRoomSyncState(ctx, hb.RoomID, ack.KnowledgeVersion); err != nil {
			slog.Warn("failed to record room sync state", "room_id", hb.RoomID, "error", err)
		}
	}
	return ack, nil
}

// Deregister removes a room. Deregistering the server room is refused.
func (r *RoomRegistry) Deregister(roomID string) error {
	if roomID == room.ServerRoomID {
		return domain.Validationf("cannot deregister the server room")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[roomID]; !ok {
		return fmt.Errorf("room %s: %w", roomID, domain.ErrNotFound)
	}
	delete(r.rooms, roomID)
	return nil
}

// Get returns a copy of one room.
func (r *RoomRegistry) Get(roomID string) (*room.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("room %s: %w", roomID, domain.ErrNotFound)
	}
	cp := *rm
	return &cp, nil
}

// List returns a copy of every registered room.
func (r *RoomRegistry) List() []*room.Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*room.Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		cp := *rm
		out = append(out, &cp)
	}
	return out
}

// Select picks the best room for a delegation, or nil when only the
// local path is viable.
func (r *RoomRegistry) Select(sel room.Selection) *room.Room {
	return room.Select(r.List(), sel)
}

// Sweep marks rooms offline that have missed their heartbeat window.
// Returns the ids of the rooms newly marked offline.
func (r *RoomRegistry) Sweep(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var marked []string
	for id, rm := range r.rooms {
		if rm.Status == room.StatusOnline && rm.Stale(now, r.staleAfter) {
			rm.Status = room.StatusOffline
			marked = append(marked, id)
		}
	}
	return marked
}

// StartSweeper marks stale rooms offline periodically until ctx is done.
func (r *RoomRegistry) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, id := range r.Sweep(time.Now()) {
					slog.Warn("room marked offline", "room_id", id)
				}
			}
		}
	}()
}
