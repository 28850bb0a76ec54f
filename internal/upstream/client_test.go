package upstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerateContent(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/models/gemini-2.5-flash:generateContent", r.URL.Path)
			require.Equal(t, "test-key", r.Header.Get("X-Goog-Api-Key"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{
				"candidates": [{"content": {"parts": [{"text": "pong"}]}, "finishReason": "STOP"}],
				"usageMetadata": {"promptTokenCount": 3, "candidatesTokenCount": 1, "totalTokenCount": 4}
			}`))
		}))
		defer srv.Close()

		client := NewClient(srv.URL)
		resp, err := client.GenerateContent(context.Background(), "test-key", "gemini-2.5-flash", &GenerateRequest{})
		require.NoError(t, err)
		require.Equal(t, "pong", resp.Candidates[0].Content.Parts[0].Text)
		require.Equal(t, 4, resp.UsageMetadata.TotalTokenCount)
	})

	t.Run("RequiresAPIKey", func(t *testing.T) {
		client := NewClient("")
		_, err := client.GenerateContent(context.Background(), "  ", "gemini-2.5-flash", &GenerateRequest{})
		require.ErrorContains(t, err, "api key")
	})

	t.Run("ErrorEnvelope", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error": {"code": 429, "message": "quota exceeded", "status": "RESOURCE_EXHAUSTED",
				"details": [{"@type": "type.googleapis.com/google.rpc.RetryInfo", "retryDelay": "12s"}]}}`))
		}))
		defer srv.Close()

		client := NewClient(srv.URL)
		_, err := client.GenerateContent(context.Background(), "test-key", "gemini-2.5-flash", &GenerateRequest{})

		var upErr *Error
		require.ErrorAs(t, err, &upErr)
		require.True(t, upErr.RateLimited())
		require.Equal(t, "quota exceeded", upErr.Message)
		require.Equal(t, 12*time.Second, upErr.RetryAfter)
	})

	t.Run("RetryAfterHeaderFallback", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error": {"message": "slow down"}}`))
		}))
		defer srv.Close()

		client := NewClient(srv.URL)
		_, err := client.GenerateContent(context.Background(), "test-key", "gemini-2.5-flash", &GenerateRequest{})

		var upErr *Error
		require.ErrorAs(t, err, &upErr)
		require.Equal(t, 7*time.Second, upErr.RetryAfter)
	})
}

func TestStreamGenerateContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/models/gemini-2.5-flash:streamGenerateContent", r.URL.Path)
		require.Equal(t, "sse", r.URL.Query().Get("alt"))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"candidates\": [{\"content\": {\"parts\": [{\"text\": \"one\"}]}}]}\n\n")
		_, _ = io.WriteString(w, ": keepalive comment\n\n")
		_, _ = io.WriteString(w, "data: {\"candidates\": [{\"content\": {\"parts\": [{\"text\": \"two\"}]}}]}\n\n")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	stream, err := client.StreamGenerateContent(context.Background(), "test-key", "gemini-2.5-flash", &GenerateRequest{})
	require.NoError(t, err)
	defer stream.Close() // nolint:errcheck // best-effort cleanup

	first, err := stream.Recv()
	require.NoError(t, err)
	require.Equal(t, "one", first.Candidates[0].Content.Parts[0].Text)

	second, err := stream.Recv()
	require.NoError(t, err)
	require.Equal(t, "two", second.Candidates[0].Content.Parts[0].Text)

	_, err = stream.Recv()
	require.ErrorIs(t, err, io.EOF)

	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())
}

func TestStreamErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error": {"message": "key disabled"}}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	_, err := client.StreamGenerateContent(context.Background(), "test-key", "gemini-2.5-flash", &GenerateRequest{})

	var upErr *Error
	require.ErrorAs(t, err, &upErr)
	require.True(t, upErr.CredentialRejected())
	require.Equal(t, "key disabled", upErr.Message)
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name     string
		err      *Error
		limited  bool
		rejected bool
		retry    bool
	}{
		{"RateLimited", &Error{StatusCode: 429}, true, false, false},
		{"Unauthorized", &Error{StatusCode: 401}, false, true, false},
		{"Forbidden", &Error{StatusCode: 403}, false, true, false},
		{"RevokedKeyAs400", &Error{StatusCode: 400, Message: "API key not valid. Please pass a valid API key."}, false, true, false},
		{"PlainBadRequest", &Error{StatusCode: 400, Message: "schema mismatch"}, false, false, false},
		{"ServerError", &Error{StatusCode: 503}, false, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.limited, tc.err.RateLimited())
			require.Equal(t, tc.rejected, tc.err.CredentialRejected())
			require.Equal(t, tc.retry, tc.err.Transient())
		})
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/models", r.URL.Path)
		_, _ = w.Write([]byte(`{"models": [{"name": "models/gemini-2.5-flash"}, {"name": "models/gemini-2.5-pro"}]}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	models, err := client.ListModels(context.Background(), "test-key")
	require.NoError(t, err)
	require.Equal(t, []string{"gemini-2.5-flash", "gemini-2.5-pro"}, models)
}