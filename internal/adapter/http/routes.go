package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/loopsymphony/server/internal/middleware"
)

// MountRoutes registers the API routes on the given chi router. The
// Auth middleware (API key + user resolution) is expected to already be
// mounted by the caller; RequireAuth additionally guards the trust and
// heartbeat groups.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"service": "loop-symphony", "version": "0.1.0"})
	})

	// Tasks
	r.Post("/task", h.SubmitTask)
	r.Post("/task/{id}/approve", h.ApproveTask)
	r.Get("/task/{id}", h.GetTask)
	r.Get("/task/{id}/stream", h.StreamTask)
	r.Get("/task/{id}/checkpoints", h.ListCheckpoints)
	r.Post("/task/{id}/cancel", h.CancelTask)
	r.Get("/tasks/active", h.ListActiveTasks)
	r.Get("/tasks/recent", h.ListRecentTasks)
	r.Get("/tasks/stats", h.TaskStats)

	// Trust
	r.Route("/trust", func(r chi.Router) {
		r.Use(middleware.RequireAuth)
		r.Get("/metrics", h.TrustMetrics)
		r.Get("/suggestion", h.TrustSuggestion)
		r.Put("/level", h.SetTrustLevel)
	})

	// Heartbeats
	r.Route("/heartbeats", func(r chi.Router) {
		r.Use(middleware.RequireAuth)
		r.Post("/", h.CreateHeartbeat)
		r.Get("/", h.ListHeartbeats)
		r.Get("/{id}", h.GetHeartbeat)
		r.Put("/{id}", h.UpdateHeartbeat)
		r.Delete("/{id}", h.DeleteHeartbeat)
		r.Post("/tick", h.TickHeartbeats)
	})

	// Rooms
	r.Post("/rooms/register", h.RegisterRoom)
	r.Post("/rooms/heartbeat", h.RoomHeartbeat)
	r.Post("/rooms/deregister", h.DeregisterRoom)
	r.Get("/rooms", h.ListRooms)
	r.Get("/rooms/status", h.RoomStatus)
	r.Get("/rooms/{id}", h.GetRoom)

	// Dynamic loops
	r.Post("/loops/register", h.RegisterLoop)
	r.Get("/loops", h.ListLoops)

	// Health
	r.Get("/health", h.Health)
	r.Get("/health/system", h.SystemHealth)
	r.Get("/health/database", h.DatabaseHealth)
}
