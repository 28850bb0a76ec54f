// Package relay drives one streamed upstream exchange and forwards the
// translated chunks to the client.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/hydragw/hydra/internal/translate"
	"github.com/hydragw/hydra/internal/upstream"
)

// ChunkStream is the pull-based upstream stream. Close must be idempotent
// and safe to call while Recv is blocked; that is how cancellation reaches a
// blocked pull.
type ChunkStream interface {
	Recv() (*upstream.GenerateResponse, error)
	Close() error
}

// Sink receives translated chunks on behalf of the client.
type Sink interface {
	Send(chunk translate.ChatStreamChunk) error
}

// Result reports what one relay run observed.
type Result struct {
	// Usage is the last usage figure the upstream reported, nil if none
	// arrived before the stream ended or was cancelled.
	Usage *translate.ChatUsage
	// Delivered is true once at least one chunk reached the sink; after that
	// the attempt can no longer be retried on another credential.
	Delivered bool
}

// Relay copies one upstream stream to one client sink through a translator.
type Relay struct {
	logger *zap.Logger
}

// New returns a relay.
func New(logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{logger: logger}
}

// Run pulls chunks until end of stream, feeding each through state and on to
// the sink. It tears the upstream stream down on completion, error, or
// cancellation, and never delivers a chunk after ctx is cancelled.
func (r *Relay) Run(ctx context.Context, stream ChunkStream, state *translate.StreamState, sink Sink) (Result, error) {
	result := Result{}
	defer func() { _ = stream.Close() }()

	// Unblock a pending Recv when the client goes away.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = stream.Close()
		case <-watchDone:
		}
	}()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			result.Usage = state.Usage()
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			return result, fmt.Errorf("upstream stream: %w", err)
		}

		for _, out := range state.Next(chunk) {
			if ctx.Err() != nil {
				result.Usage = state.Usage()
				return result, ctx.Err()
			}
			if err := sink.Send(out); err != nil {
				result.Usage = state.Usage()
				return result, fmt.Errorf("client sink: %w", err)
			}
			result.Delivered = true
		}
	}

	if ctx.Err() != nil {
		result.Usage = state.Usage()
		return result, ctx.Err()
	}

	if err := sink.Send(state.Finish()); err != nil {
		result.Usage = state.Usage()
		return result, fmt.Errorf("client sink: %w", err)
	}
	result.Delivered = true
	result.Usage = state.Usage()
	return result, nil
}
