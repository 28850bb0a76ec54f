package translate

import (
	"time"

	"github.com/hydragw/hydra/internal/upstream"
)

// StreamState accumulates one streamed upstream exchange and emits client
// chunks. It is scoped to a single relay and is not safe for concurrent use.
//
// Plain text deltas pass through chunk-by-chunk. Tool calls may arrive
// fragmented: the function name can precede its arguments, and argument bytes
// can be split across chunks. The first recognizable fragment of a call emits
// exactly one start delta carrying a synthetic id; every later argument
// fragment is emitted as a delta tagged with the same index.
type StreamState struct {
	requestID string
	model     string
	created   int64

	sentRole     bool
	toolIndex    int
	openCall     bool
	finishReason string
	usage        *ChatUsage
}

// NewStreamState starts accumulation for one streamed exchange.
func NewStreamState(requestID, model string, now time.Time) *StreamState {
	return &StreamState{
		requestID: requestID,
		model:     model,
		created:   now.Unix(),
		toolIndex: -1,
	}
}

// Next translates one upstream chunk into zero or more client chunks.
func (s *StreamState) Next(chunk *upstream.GenerateResponse) []ChatStreamChunk {
	if chunk == nil {
		return nil
	}

	var out []ChatStreamChunk

	if len(chunk.Candidates) > 0 {
		candidate := chunk.Candidates[0]
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				out = append(out, s.textChunk(part.Text))
			}
			if part.FunctionCall != nil {
				out = append(out, s.toolChunks(part.FunctionCall)...)
			}
		}
		if candidate.FinishReason != "" {
			s.finishReason = finishReason(candidate.FinishReason, s.toolIndex >= 0)
		}
	}

	if chunk.UsageMetadata != nil {
		s.usage = encodeUsage(chunk.UsageMetadata)
	}

	return out
}

// Finish emits the terminal chunk carrying the finish reason and any usage
// the upstream reported. The transport-level [DONE] sentinel is the server's
// responsibility.
func (s *StreamState) Finish() ChatStreamChunk {
	reason := s.finishReason
	if reason == "" {
		reason = finishReason("", s.toolIndex >= 0)
	}

	chunk := s.chunk()
	chunk.Choices = []ChatStreamChoice{{Index: 0, Delta: ChatDelta{}, FinishReason: &reason}}
	chunk.Usage = s.usage
	return chunk
}

// Usage returns the usage reported so far; nil if the upstream reported none
// before the stream ended or was cancelled.
func (s *StreamState) Usage() *ChatUsage {
	return s.usage
}

func (s *StreamState) textChunk(text string) ChatStreamChunk {
	chunk := s.chunk()
	chunk.Choices = []ChatStreamChoice{{Index: 0, Delta: s.delta(ChatDelta{Content: text})}}
	return chunk
}

func (s *StreamState) toolChunks(call *upstream.FunctionCall) []ChatStreamChunk {
	var out []ChatStreamChunk

	// A fragment carrying a name opens a new call; argument-only fragments
	// belong to the call currently open.
	if call.Name != "" || !s.openCall {
		s.toolIndex++
		s.openCall = true

		chunk := s.chunk()
		chunk.Choices = []ChatStreamChoice{{Index: 0, Delta: s.delta(ChatDelta{
			ToolCalls: []ChatToolDelta{{
				Index:    s.toolIndex,
				ID:       NewToolCallID(),
				Type:     "function",
				Function: &ChatFunctionDelta{Name: call.Name},
			}},
		})}}
		out = append(out, chunk)
	}

	if len(call.Args) > 0 {
		chunk := s.chunk()
		chunk.Choices = []ChatStreamChoice{{Index: 0, Delta: s.delta(ChatDelta{
			ToolCalls: []ChatToolDelta{{
				Index:    s.toolIndex,
				Function: &ChatFunctionDelta{Arguments: string(call.Args)},
			}},
		})}}
		out = append(out, chunk)
	}

	return out
}

func (s *StreamState) delta(d ChatDelta) ChatDelta {
	if !s.sentRole {
		d.Role = "assistant"
		s.sentRole = true
	}
	return d
}

func (s *StreamState) chunk() ChatStreamChunk {
	return ChatStreamChunk{
		ID:      s.requestID,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
	}
}
