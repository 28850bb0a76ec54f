package translate

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hydragw/hydra/internal/upstream"
)

// NewRequestID returns a chat-completion response id.
func NewRequestID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// NewToolCallID returns a synthetic tool-call id.
func NewToolCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// EncodeResponse maps a completed upstream response onto the client schema.
// Tool-call argument bytes are forwarded exactly as the upstream serialized
// them.
func EncodeResponse(resp *upstream.GenerateResponse, requestID, model string, now time.Time) (*ChatResponse, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("empty response candidates")
	}

	candidate := resp.Candidates[0]
	message := ChatResponseMessage{Role: "assistant"}

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if part.Text != "" {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			args := string(part.FunctionCall.Args)
			if args == "" {
				args = "{}"
			}
			message.ToolCalls = append(message.ToolCalls, ChatToolCall{
				ID:   NewToolCallID(),
				Type: "function",
				Function: ChatCallFunction{
					Name:      part.FunctionCall.Name,
					Arguments: args,
				},
			})
		}
	}
	message.Content = text.String()

	out := &ChatResponse{
		ID:      requestID,
		Object:  "chat.completion",
		Created: now.Unix(),
		Model:   model,
		Choices: []ChatChoice{{
			Index:        0,
			Message:      message,
			FinishReason: finishReason(candidate.FinishReason, len(message.ToolCalls) > 0),
		}},
	}
	if resp.UsageMetadata != nil {
		out.Usage = encodeUsage(resp.UsageMetadata)
	}
	return out, nil
}

func encodeUsage(usage *upstream.UsageMetadata) *ChatUsage {
	return &ChatUsage{
		PromptTokens:     usage.PromptTokenCount,
		CompletionTokens: usage.CandidatesTokenCount,
		TotalTokens:      usage.TotalTokenCount,
	}
}

func finishReason(upstreamReason string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_calls"
	}
	switch upstreamReason {
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return "content_filter"
	default:
		return "stop"
	}
}

// DefaultModelAliases maps OpenAI model names clients commonly send onto
// upstream models.
var DefaultModelAliases = map[string]string{
	"gpt-4":         "gemini-2.5-pro",
	"gpt-4-turbo":   "gemini-2.5-pro",
	"gpt-4o":        "gemini-2.5-flash",
	"gpt-4o-mini":   "gemini-2.5-flash-lite",
	"gpt-3.5-turbo": "gemini-2.5-flash-lite",
}

// ResolveModel applies the alias map; unmapped names pass through unchanged.
func ResolveModel(model string, aliases map[string]string) string {
	if aliases == nil {
		aliases = DefaultModelAliases
	}
	if mapped, ok := aliases[model]; ok {
		return mapped
	}
	return model
}
