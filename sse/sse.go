// Package sse streams channel values to HTTP clients as Server-Sent Events.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pipeworks-io/pipeworks/logger"
)

// KeepAliveInterval is how often a comment frame is written on an idle
// stream. It must stay below typical proxy timeouts (60s).
const KeepAliveInterval = 30 * time.Second

// Stream writes each value received from ch to the client as a JSON data
// frame until ch closes or the client disconnects. It returns after the
// stream ends.
func Stream[T any](w http.ResponseWriter, r *http.Request, log *logger.Logger, ch <-chan T) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		log.Error("Streaming not supported", map[string]interface{}{
			"path": r.URL.Path,
		})
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// SSE connections are long-lived; the server's WriteTimeout must not
	// cut them off.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		log.Warn("Could not disable write deadline", map[string]interface{}{
			"path":  r.URL.Path,
			"error": err.Error(),
		})
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(KeepAliveInterval)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			log.Debug("Client disconnected", map[string]interface{}{
				"path":   r.URL.Path,
				"reason": ctx.Err().Error(),
			})
			return

		case v, ok := <-ch:
			if !ok {
				// Producer finished; tell the client not to reconnect.
				_, _ = fmt.Fprint(w, "event: done\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			data, err := json.Marshal(v)
			if err != nil {
				log.Error("Dropping unencodable event", map[string]interface{}{
					"path":  r.URL.Path,
					"error": err.Error(),
				})
				continue
			}
			_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()

		case <-keepAlive.C:
			// SSE comment frame, ignored by clients.
			_, _ = fmt.Fprintf(w, ": keepalive %d\n\n", time.Now().Unix())
			flusher.Flush()
		}
	}
}
