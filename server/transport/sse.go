package transport

import (
	"fmt"
	"net/http"

	"github.com/mcplane/mcplane/storage/sessionstore"
)

// sseWriter serializes SSE frames onto a flushable response writer.
// Frame format: "id: <n>\nevent: <method>\ndata: <compact-json>\n\n".
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseWriter{w: w, flusher: flusher}, true
}

// prepare writes the SSE response headers.
func (s *sseWriter) prepare(statusCode int) {
	s.w.Header().Set("Content-Type", contentTypeSSE)
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.WriteHeader(statusCode)
	s.flusher.Flush()
}

// writeEvent writes one stored event with its session-scoped id.
func (s *sseWriter) writeEvent(event sessionstore.SseEvent) error {
	_, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", event.ID, event.Event, event.Data)
	if err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// writeMessage writes an id-less frame (request responses on POST-scoped
// streams are not part of the durable event sequence).
func (s *sseWriter) writeMessage(event string, data []byte) error {
	_, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data)
	if err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// writeRetry emits the reconnection hint.
func (s *sseWriter) writeRetry(ms int) {
	fmt.Fprintf(s.w, "retry: %d\n\n", ms) //nolint:errcheck
	s.flusher.Flush()
}

// writePing emits a keepalive frame.
func (s *sseWriter) writePing() error {
	_, err := fmt.Fprintf(s.w, "event: ping\ndata: {}\n\n")
	if err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
