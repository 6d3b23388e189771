package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// ServeSSE streams events to one client as text/event-stream until the
// client goes away or its subscription is evicted. Each message carries the
// event type as its SSE event name. No SSE id is sent: events go out after
// commit, so concurrent ingests can deliver frame IDs out of order and there
// is no Last-Event-ID replay to resume from.
func ServeSSE(hub *Hub, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc := http.NewResponseController(w)

		sub, err := hub.Subscribe()
		if err != nil {
			http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
			return
		}
		defer sub.Close()

		// long-lived response; lift any server write timeout
		_ = rc.SetWriteDeadline(time.Time{})

		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		hello := Event{ID: uuid.NewString(), Type: EventConnected, Time: time.Now().UTC()}
		if err := writeSSE(w, hello); err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			logger.Warn("sse flush unsupported", "error", err)
			return
		}

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-sub.Events():
				if !ok {
					// evicted or shutting down; client resyncs on reconnect
					return
				}
				if err := writeSSE(w, ev); err != nil {
					logger.Debug("sse write failed", "subscriber", sub.ID, "error", err)
					return
				}
				if err := rc.Flush(); err != nil {
					return
				}
			}
		}
	}
}

func writeSSE(w io.Writer, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
