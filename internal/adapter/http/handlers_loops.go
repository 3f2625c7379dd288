package http

import (
	"net/http"

	"github.com/loopsymphony/server/internal/domain/loop"
)

// RegisterLoop handles POST /loops/register: a dynamically declared
// phase-based loop joins the instrument set under its own name.
func (h *Handlers) RegisterLoop(w http.ResponseWriter, r *http.Request) {
	spec, ok := readJSON[*loop.Spec](w, r)
	if !ok {
		return
	}
	if err := h.Instruments.RegisterSpec(h.Tools, spec, h.InstrumentOptions); err != nil {
		writeDomainError(w, err, "loop could not be registered")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"name": spec.Name})
}

// ListLoops handles GET /loops.
func (h *Handlers) ListLoops(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"instruments": h.Instruments.Names()})
}
