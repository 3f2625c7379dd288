package http

import (
	"net/http"
	"time"
)

var startedAt = time.Now()

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// SystemHealth handles GET /health/system: tool probes, room counts and
// task counts in one report.
func (h *Handlers) SystemHealth(w http.ResponseWriter, r *http.Request) {
	tools := make(map[string]string)
	healthy := true
	if h.Tools != nil {
		for name, err := range h.Tools.HealthCheckAll(r.Context()) {
			if err != nil {
				tools[name] = err.Error()
				healthy = false
			} else {
				tools[name] = "ok"
			}
		}
	}

	status := "ok"
	if !healthy {
		status = "degraded"
	}
	out := map[string]any{
		"status":         status,
		"uptime_seconds": int64(time.Since(startedAt).Seconds()),
		"tools":          tools,
		"tasks":          h.Manager.Stats(),
	}
	if h.Rooms != nil {
		out["rooms"] = len(h.Rooms.List())
	}
	writeJSON(w, http.StatusOK, out)
}

// DatabaseHealth handles GET /health/database.
func (h *Handlers) DatabaseHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "down", "detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
