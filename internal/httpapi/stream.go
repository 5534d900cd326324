package httpapi

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"errly/internal/pushhub"
)

// handleStream implements GET /api/errors/stream: spec's framing is
// data: <json>\n\n with no named SSE event types, plus a 30s keepalive
// comment the Push Hub itself emits once a client is registered.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, errors.New("streaming unsupported by response writer"))
		return
	}

	clientID := uuid.NewString()
	client, err := h.hub.Register(clientID, sessionIDFromContext(r.Context()))
	if err != nil {
		if errors.Is(err, pushhub.ErrAtCapacity) {
			respondStatus(w, http.StatusServiceUnavailable, "push hub at capacity")
			return
		}
		respondError(w, err)
		return
	}
	defer h.hub.Unregister(clientID)

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case frame, ok := <-client.Frames():
			if !ok {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		case <-client.Closed():
			return
		case <-r.Context().Done():
			return
		}
	}
}
