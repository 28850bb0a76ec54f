package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Stream is a pull-based sequence of response chunks from a streamed
// exchange. Recv blocks for the next chunk and returns io.EOF at end of
// stream. Close is idempotent and safe to call concurrently with Recv, which
// is how cancellation is propagated into a blocked pull.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc

	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

const maxEventSize = 10 << 20

func newStream(body io.ReadCloser, cancel context.CancelFunc) *Stream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64<<10), maxEventSize)
	return &Stream{body: body, scanner: scanner, cancel: cancel}
}

// Recv returns the next chunk, io.EOF at end of stream, or an error if the
// stream broke mid-flight.
func (s *Stream) Recv() (*GenerateResponse, error) {
	if s == nil {
		return nil, io.EOF
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var chunk GenerateResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}
		return &chunk, nil
	}

	if err := s.scanner.Err(); err != nil {
		if s.isClosed() {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read stream: %w", err)
	}
	return nil, io.EOF
}

// Close tears down the upstream connection. Safe to call more than once and
// after the stream has already ended.
func (s *Stream) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		if s.cancel != nil {
			s.cancel()
		}
		_ = s.body.Close()
	})
	return nil
}

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
