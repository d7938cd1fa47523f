package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hperssn/sprinter/internal/runner"
)

// StreamSessionEvents streams a session's events as server-sent events,
// starting with its current state. The stream ends when the session is
// stopped or the client goes away. Each event is delivered to one reader.
func StreamSessionEvents(manager *runner.SessionManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		events, done, ok := manager.Events(id)
		if !ok {
			respondError(w, "session not found", http.StatusNotFound)
			return
		}
		ctrl, ok := manager.GetSession(id)
		if !ok {
			respondError(w, "session not found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		state := ctrl.State()
		if err := writeEvent(w, runner.Event{Type: runner.EventState, State: &state}); err != nil {
			return
		}
		flusher.Flush()

		for {
			select {
			case ev := <-events:
				if err := writeEvent(w, ev); err != nil {
					return
				}
				flusher.Flush()

			case <-done:
				return

			case <-r.Context().Done():
				return
			}
		}
	}
}

// writeEvent writes one SSE frame. An error means the client is gone.
func writeEvent(w io.Writer, ev runner.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	frame := make([]byte, 0, len(data)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	_, err = w.Write(frame)
	return err
}
