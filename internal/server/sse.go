package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/hydragw/hydra/internal/translate"
)

// sseSink writes translated chunks to the client as server-sent events,
// flushing after every event so partial output shows up immediately.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu    sync.Mutex
	wrote bool
}

func newSSESink(w http.ResponseWriter) (*sseSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")

	return &sseSink{w: w, flusher: flusher}, nil
}

func (s *sseSink) Send(chunk translate.ChatStreamChunk) error {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal stream chunk: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write stream chunk: %w", err)
	}
	s.wrote = true
	s.flusher.Flush()
	return nil
}

// Delivered reports whether any event reached the client.
func (s *sseSink) Delivered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wrote
}

// Done writes the terminal sentinel event.
func (s *sseSink) Done() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}
