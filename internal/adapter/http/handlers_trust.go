package http

import (
	"net/http"

	"github.com/loopsymphony/server/internal/middleware"
)

// requireUser resolves X-User-Id, rejecting requests without one.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		writeError(w, http.StatusBadRequest, "X-User-Id header is required")
		return "", false
	}
	return userID, true
}

// TrustMetrics handles GET /trust/metrics.
func (h *Handlers) TrustMetrics(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	m, err := h.Trust.Metrics(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err, "trust metrics unavailable")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// TrustSuggestion handles GET /trust/suggestion. A null body means no
// upgrade is suggested.
func (h *Handlers) TrustSuggestion(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	sug, err := h.Trust.Suggestion(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err, "trust metrics unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestion": sug})
}

type setTrustLevelRequest struct {
	TrustLevel int `json:"trust_level"`
}

// SetTrustLevel handles PUT /trust/level. This is the only way the
// stored level ever changes.
func (h *Handlers) SetTrustLevel(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	body, ok := readJSON[setTrustLevelRequest](w, r)
	if !ok {
		return
	}
	level, err := h.Trust.SetLevel(r.Context(), userID, body.TrustLevel)
	if err != nil {
		writeDomainError(w, err, "trust level could not be set")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "trust_level": level})
}
