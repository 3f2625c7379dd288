package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/loopsymphony/server/internal/domain/event"
)

// sseKeepaliveInterval is how often a comment line is written to hold
// idle connections open through proxies.
const sseKeepaliveInterval = 30 * time.Second

// StreamTask handles GET /task/{id}/stream. Late joiners receive the
// full history prefix before live events; the terminal event closes the
// stream.
func (h *Handlers) StreamTask(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if !h.ownsTask(w, r, id) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := h.Bus.Subscribe(id)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
			if ev.Type.IsTerminal() {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, ev event.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
}
