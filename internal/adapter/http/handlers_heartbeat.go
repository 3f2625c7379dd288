package http

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/loopsymphony/server/internal/domain/heartbeat"
	"github.com/loopsymphony/server/internal/middleware"
)

// CreateHeartbeat handles POST /heartbeats.
func (h *Handlers) CreateHeartbeat(w http.ResponseWriter, r *http.Request) {
	hb, ok := readJSON[*heartbeat.Heartbeat](w, r)
	if !ok {
		return
	}
	if err := hb.Validate(); err != nil {
		writeDomainError(w, err, "invalid heartbeat")
		return
	}

	now := time.Now().UTC()
	hb.ID = uuid.NewString()
	hb.AppID = middleware.AppIDFromContext(r.Context())
	if hb.UserID == "" {
		hb.UserID = middleware.UserIDFromContext(r.Context())
	}
	hb.IsActive = true
	hb.CreatedAt = now
	hb.UpdatedAt = now

	if err := h.Store.CreateHeartbeat(r.Context(), hb); err != nil {
		writeDomainError(w, err, "heartbeat could not be created")
		return
	}
	writeJSON(w, http.StatusCreated, hb)
}

// ListHeartbeats handles GET /heartbeats.
func (h *Handlers) ListHeartbeats(w http.ResponseWriter, r *http.Request) {
	hbs, err := h.Store.ListHeartbeats(r.Context())
	if err != nil {
		writeDomainError(w, err, "heartbeats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"heartbeats": hbs})
}

// GetHeartbeat handles GET /heartbeats/{id}.
func (h *Handlers) GetHeartbeat(w http.ResponseWriter, r *http.Request) {
	hb, err := h.Store.GetHeartbeat(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "heartbeat not found")
		return
	}
	writeJSON(w, http.StatusOK, hb)
}

// UpdateHeartbeat handles PUT /heartbeats/{id}.
func (h *Handlers) UpdateHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	existing, err := h.Store.GetHeartbeat(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "heartbeat not found")
		return
	}

	hb, ok := readJSON[*heartbeat.Heartbeat](w, r)
	if !ok {
		return
	}
	hb.ID = existing.ID
	hb.AppID = existing.AppID
	hb.CreatedAt = existing.CreatedAt
	hb.UpdatedAt = time.Now().UTC()
	if err := hb.Validate(); err != nil {
		writeDomainError(w, err, "invalid heartbeat")
		return
	}
	if err := h.Store.UpdateHeartbeat(r.Context(), hb); err != nil {
		writeDomainError(w, err, "heartbeat could not be updated")
		return
	}
	writeJSON(w, http.StatusOK, hb)
}

// DeleteHeartbeat handles DELETE /heartbeats/{id}.
func (h *Handlers) DeleteHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteHeartbeat(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "heartbeat not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TickHeartbeats handles POST /heartbeats/tick: a forced scheduler
// pass, mainly for tests and manual runs.
func (h *Handlers) TickHeartbeats(w http.ResponseWriter, r *http.Request) {
	fired, err := h.Scheduler.Tick(r.Context(), time.Now())
	if err != nil {
		writeDomainError(w, err, "tick failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fired": fired})
}
