package translate

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hydragw/hydra/internal/upstream"
)

var testNow = time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

func TestEncodeResponse(t *testing.T) {
	t.Run("Text", func(t *testing.T) {
		resp := &upstream.GenerateResponse{
			Candidates: []upstream.Candidate{{
				Content:      upstream.Content{Parts: []upstream.Part{{Text: "Hello "}, {Text: "world"}}},
				FinishReason: "STOP",
			}},
			UsageMetadata: &upstream.UsageMetadata{PromptTokenCount: 3, CandidatesTokenCount: 2, TotalTokenCount: 5},
		}

		out, err := EncodeResponse(resp, "chatcmpl-test", "gemini-2.5-flash", testNow)
		require.NoError(t, err)
		require.Equal(t, "chatcmpl-test", out.ID)
		require.Equal(t, "chat.completion", out.Object)
		require.Equal(t, testNow.Unix(), out.Created)
		require.Len(t, out.Choices, 1)
		require.Equal(t, "Hello world", out.Choices[0].Message.Content)
		require.Equal(t, "stop", out.Choices[0].FinishReason)
		require.Equal(t, 5, out.Usage.TotalTokens)
	})

	t.Run("ToolCallsPreserveArgumentBytes", func(t *testing.T) {
		// Key ordering and spacing must survive the round trip untouched.
		rawArgs := `{"b": 1, "a": "x"}`
		resp := &upstream.GenerateResponse{
			Candidates: []upstream.Candidate{{
				Content: upstream.Content{Parts: []upstream.Part{{
					FunctionCall: &upstream.FunctionCall{Name: "fn", Args: json.RawMessage(rawArgs)},
				}}},
				FinishReason: "STOP",
			}},
		}

		out, err := EncodeResponse(resp, "chatcmpl-test", "gemini-2.5-flash", testNow)
		require.NoError(t, err)

		calls := out.Choices[0].Message.ToolCalls
		require.Len(t, calls, 1)
		require.Equal(t, rawArgs, calls[0].Function.Arguments)
		require.True(t, strings.HasPrefix(calls[0].ID, "call_"))
		require.Equal(t, "tool_calls", out.Choices[0].FinishReason)
	})

	t.Run("EmptyArgsBecomeObject", func(t *testing.T) {
		resp := &upstream.GenerateResponse{
			Candidates: []upstream.Candidate{{
				Content: upstream.Content{Parts: []upstream.Part{{
					FunctionCall: &upstream.FunctionCall{Name: "fn"},
				}}},
			}},
		}
		out, err := EncodeResponse(resp, "chatcmpl-test", "gemini-2.5-flash", testNow)
		require.NoError(t, err)
		require.Equal(t, "{}", out.Choices[0].Message.ToolCalls[0].Function.Arguments)
	})

	t.Run("FinishReasons", func(t *testing.T) {
		require.Equal(t, "length", finishReason("MAX_TOKENS", false))
		require.Equal(t, "content_filter", finishReason("SAFETY", false))
		require.Equal(t, "content_filter", finishReason("RECITATION", false))
		require.Equal(t, "stop", finishReason("STOP", false))
		require.Equal(t, "stop", finishReason("", false))
		require.Equal(t, "tool_calls", finishReason("STOP", true))
	})

	t.Run("NoCandidates", func(t *testing.T) {
		_, err := EncodeResponse(&upstream.GenerateResponse{}, "id", "m", testNow)
		require.Error(t, err)
	})
}

func TestResolveModel(t *testing.T) {
	require.Equal(t, "gemini-2.5-pro", ResolveModel("gpt-4", nil))
	require.Equal(t, "gemini-2.5-flash-lite", ResolveModel("gpt-3.5-turbo", nil))
	require.Equal(t, "gemini-2.5-flash", ResolveModel("gemini-2.5-flash", nil))

	custom := map[string]string{"fast": "gemini-2.5-flash"}
	require.Equal(t, "gemini-2.5-flash", ResolveModel("fast", custom))
	require.Equal(t, "gpt-4", ResolveModel("gpt-4", custom))
}

func TestIDGenerators(t *testing.T) {
	require.True(t, strings.HasPrefix(NewRequestID(), "chatcmpl-"))
	require.True(t, strings.HasPrefix(NewToolCallID(), "call_"))
	require.NotEqual(t, NewRequestID(), NewRequestID())
}
