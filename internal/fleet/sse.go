package fleet

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// SSESink adapts an http.ResponseWriter into a publisher Sink using
// the event:/data: stream format.
type SSESink struct {
	mu      sync.Mutex
	writer  http.ResponseWriter
	flusher http.Flusher
}

// NewSSESink prepares a response writer for server-sent events
func NewSSESink(w http.ResponseWriter) (*SSESink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	return &SSESink{writer: w, flusher: flusher}, nil
}

// Send writes one named event with a JSON payload
func (s *SSESink) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// SSE format: event: <event>\ndata: <data>\n\n
	if _, err := fmt.Fprintf(s.writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
