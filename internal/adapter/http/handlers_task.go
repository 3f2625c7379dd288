package http

import (
	"net/http"
	"strconv"

	"github.com/loopsymphony/server/internal/domain/task"
	"github.com/loopsymphony/server/internal/domain/trust"
	"github.com/loopsymphony/server/internal/middleware"
)

// SubmitTask handles POST /task.
func (h *Handlers) SubmitTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[*task.Request](w, r)
	if !ok {
		return
	}
	resp, err := h.Conductor.Submit(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "task could not be created")
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// ApproveTask handles POST /task/{id}/approve.
func (h *Handlers) ApproveTask(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if !h.ownsTask(w, r, id) {
		return
	}
	status, err := h.Approvals.Approve(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "status": status})
}

// GetTask handles GET /task/{id}. While the task runs it returns a
// pending envelope; once terminal it returns the full response. Trust
// level 2 callers receive the minimal surface (summary + outcome)
// unless ?full=true is passed.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	t, err := h.Conductor.GetTask(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	if !appOwns(r, t) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	if !t.Status.IsTerminal() {
		writeJSON(w, http.StatusOK, map[string]any{"task_id": t.ID, "status": t.Status})
		return
	}

	switch t.Status {
	case task.StatusComplete:
		h.writeTerminalResponse(w, r, t)
	case task.StatusFailed:
		writeJSON(w, http.StatusOK, map[string]any{"task_id": t.ID, "status": t.Status, "error": t.Error})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"task_id": t.ID, "status": t.Status})
	}
}

func (h *Handlers) writeTerminalResponse(w http.ResponseWriter, r *http.Request, t *task.Task) {
	resp := t.Response
	if resp == nil {
		writeJSON(w, http.StatusOK, map[string]any{"task_id": t.ID, "status": t.Status})
		return
	}
	if r.URL.Query().Get("full") != "true" && h.minimalSurface(r) {
		writeJSON(w, http.StatusOK, map[string]any{
			"task_id": t.ID,
			"status":  t.Status,
			"summary": resp.Summary,
			"outcome": resp.Outcome,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": t.ID, "status": t.Status, "response": resp})
}

// minimalSurface reports whether the caller's effective trust level
// elides findings and metadata from polling responses.
func (h *Handlers) minimalSurface(r *http.Request) bool {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		return false
	}
	level, err := h.Trust.EffectiveLevel(r.Context(), userID, nil)
	if err != nil {
		return false
	}
	return level == trust.LevelMinimalSurface
}

// CancelTask handles POST /task/{id}/cancel.
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if !h.ownsTask(w, r, id) {
		return
	}
	if err := h.Conductor.Cancel(r.Context(), id); err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": id, "status": "cancelling"})
}

// ListCheckpoints handles GET /task/{id}/checkpoints.
func (h *Handlers) ListCheckpoints(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if !h.ownsTask(w, r, id) {
		return
	}
	cps, err := h.Store.ListCheckpoints(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "checkpoints": cps})
}

// ListActiveTasks handles GET /tasks/active.
func (h *Handlers) ListActiveTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": filterByApp(r, h.Manager.Active())})
}

// ListRecentTasks handles GET /tasks/recent?limit=N.
func (h *Handlers) ListRecentTasks(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	tasks := filterByApp(r, h.Manager.Recent(0))
	if len(tasks) > limit {
		tasks = tasks[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// TaskStats handles GET /tasks/stats.
func (h *Handlers) TaskStats(w http.ResponseWriter, r *http.Request) {
	stats := make(map[task.Status]int)
	for _, t := range filterByApp(r, h.Manager.Active()) {
		stats[t.Status]++
	}
	for _, t := range filterByApp(r, h.Manager.Recent(0)) {
		stats[t.Status]++
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": stats})
}

// ownsTask rejects with 404 when the task exists under another app.
// Cross-app probing is indistinguishable from a missing task.
func (h *Handlers) ownsTask(w http.ResponseWriter, r *http.Request, id string) bool {
	t, err := h.Conductor.GetTask(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return false
	}
	if !appOwns(r, t) {
		writeError(w, http.StatusNotFound, "task not found")
		return false
	}
	return true
}

func appOwns(r *http.Request, t *task.Task) bool {
	return t.AppID == "" || t.AppID == middleware.AppIDFromContext(r.Context())
}

func filterByApp(r *http.Request, tasks []*task.Task) []*task.Task {
	appID := middleware.AppIDFromContext(r.Context())
	out := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.AppID == appID {
			out = append(out, t)
		}
	}
	return out
}
