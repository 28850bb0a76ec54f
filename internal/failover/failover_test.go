package failover

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hydragw/hydra/internal/health"
	"github.com/hydragw/hydra/internal/keypool"
	"github.com/hydragw/hydra/internal/quota"
	"github.com/hydragw/hydra/internal/relay"
	"github.com/hydragw/hydra/internal/router"
	"github.com/hydragw/hydra/internal/translate"
	"github.com/hydragw/hydra/internal/upstream"
)

const testModel = "test-model"

func testRequest() *translate.Request {
	return &translate.Request{
		Model: testModel,
		Messages: []translate.Message{{
			Role:   "user",
			Blocks: []translate.Block{{Kind: translate.BlockText, Text: "hello"}},
		}},
	}
}

func successResponse() *upstream.GenerateResponse {
	return &upstream.GenerateResponse{
		Candidates: []upstream.Candidate{{
			Content:      upstream.Content{Parts: []upstream.Part{{Text: "hi"}}},
			FinishReason: "STOP",
		}},
		UsageMetadata: &upstream.UsageMetadata{
			PromptTokenCount:     4,
			CandidatesTokenCount: 2,
			TotalTokenCount:      6,
		},
	}
}

// fakeUpstream answers per API key through respond; calls records the key of
// every GenerateContent invocation.
type fakeUpstream struct {
	mu      sync.Mutex
	calls   []string
	respond func(apiKey string) (*upstream.GenerateResponse, error)
	stream  func(apiKey string) (relay.ChunkStream, error)
}

func (f *fakeUpstream) GenerateContent(_ context.Context, apiKey, _ string, _ *upstream.GenerateRequest) (*upstream.GenerateResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, apiKey)
	f.mu.Unlock()
	return f.respond(apiKey)
}

func (f *fakeUpstream) StreamGenerateContent(_ context.Context, apiKey, _ string, _ *upstream.GenerateRequest) (relay.ChunkStream, error) {
	f.mu.Lock()
	f.calls = append(f.calls, apiKey)
	f.mu.Unlock()
	return f.stream(apiKey)
}

func (f *fakeUpstream) callCount(apiKey string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, key := range f.calls {
		if key == apiKey {
			n++
		}
	}
	return n
}

func newOrchestrator(t *testing.T, up Upstream, cfg Config, limits quota.Limits, secrets ...string) (*Orchestrator, *quota.Tracker, *health.Classifier) {
	t.Helper()

	creds := make([]keypool.Credential, 0, len(secrets))
	for _, secret := range secrets {
		creds = append(creds, keypool.Credential{Secret: secret})
	}
	pool, err := keypool.NewStore(creds)
	require.NoError(t, err)

	tracker := quota.NewTracker(quota.NewMemoryStore(), map[string]quota.Limits{testModel: limits}, nil, nil)
	classifier := health.NewClassifier(nil)
	routes := router.New(pool, tracker, classifier, nil)
	orch := New(pool, tracker, classifier, routes, relay.New(nil), up, cfg, nil)
	return orch, tracker, classifier
}

func roomyLimits() quota.Limits {
	return quota.Limits{RPM: 100, RPD: 1000, TPM: 1_000_000}
}

func TestCompleteFirstAttemptSucceeds(t *testing.T) {
	ctx := context.Background()
	up := &fakeUpstream{respond: func(string) (*upstream.GenerateResponse, error) {
		return successResponse(), nil
	}}
	orch, tracker, classifier := newOrchestrator(t, up, Config{TransientDelay: time.Millisecond}, roomyLimits(), "secret-one-111111")

	cred := keypool.CredentialID("secret-one-111111")

	resp, meta, err := orch.Complete(ctx, testRequest(), "chatcmpl-x")
	require.NoError(t, err)
	require.Equal(t, "hi", resp.Choices[0].Message.Content)
	require.Equal(t, cred, meta.CredentialID)
	require.Equal(t, 1, meta.Attempts)
	require.NotNil(t, meta.Usage)
	require.Equal(t, 6, meta.Usage.TotalTokens)
	require.Equal(t, health.StatusHealthy, classifier.Status(cred, testModel))

	// One request reserved, six tokens released.
	snap, err := tracker.Snapshot(ctx, cred, testModel)
	require.NoError(t, err)
	for _, class := range snap.Classes {
		switch class.Class {
		case quota.ClassRPM, quota.ClassRPD:
			require.Equal(t, 1, class.Used)
		case quota.ClassTPM:
			require.Equal(t, 6, class.Used)
		}
	}
}

func TestCompleteRotatesOnRateLimit(t *testing.T) {
	ctx := context.Background()
	up := &fakeUpstream{respond: func(apiKey string) (*upstream.GenerateResponse, error) {
		if apiKey == "secret-one-111111" {
			return nil, &upstream.Error{StatusCode: http.StatusTooManyRequests, RetryAfter: 9 * time.Second}
		}
		return successResponse(), nil
	}}
	orch, _, classifier := newOrchestrator(t, up, Config{TransientDelay: time.Millisecond}, roomyLimits(),
		"secret-one-111111", "secret-two-222222")

	one := keypool.CredentialID("secret-one-111111")
	two := keypool.CredentialID("secret-two-222222")

	resp, meta, err := orch.Complete(ctx, testRequest(), "chatcmpl-x")
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Equal(t, two, meta.CredentialID)
	require.Equal(t, health.StatusLimited, classifier.Status(one, testModel))
	require.Equal(t, 1, up.callCount("secret-one-111111"))
	require.Equal(t, 1, up.callCount("secret-two-222222"))
}

func TestCompleteDeadCredentialDoesNotConsumeBudget(t *testing.T) {
	ctx := context.Background()
	up := &fakeUpstream{respond: func(apiKey string) (*upstream.GenerateResponse, error) {
		if apiKey == "secret-one-111111" {
			return nil, &upstream.Error{StatusCode: http.StatusUnauthorized, Message: "API key expired"}
		}
		return successResponse(), nil
	}}
	orch, _, classifier := newOrchestrator(t, up, Config{TransientDelay: time.Millisecond}, roomyLimits(),
		"secret-one-111111", "secret-two-222222")

	one := keypool.CredentialID("secret-one-111111")

	_, meta, err := orch.Complete(ctx, testRequest(), "chatcmpl-x")
	require.NoError(t, err)
	require.Equal(t, 1, meta.Attempts)
	require.Equal(t, health.StatusDead, classifier.Status(one, testModel))
}

func TestCompleteRequestErrorSurfacesWithoutRotation(t *testing.T) {
	ctx := context.Background()
	badRequest := &upstream.Error{StatusCode: http.StatusBadRequest, Message: "invalid schema"}
	up := &fakeUpstream{respond: func(string) (*upstream.GenerateResponse, error) {
		return nil, badRequest
	}}
	orch, _, classifier := newOrchestrator(t, up, Config{TransientDelay: time.Millisecond}, roomyLimits(),
		"secret-one-111111", "secret-two-222222")

	_, meta, err := orch.Complete(ctx, testRequest(), "chatcmpl-x")
	var upErr *upstream.Error
	require.ErrorAs(t, err, &upErr)
	require.Equal(t, http.StatusBadRequest, upErr.StatusCode)
	require.Equal(t, 1, meta.Attempts)
	require.Len(t, up.calls, 1)

	// A request-scoped rejection says nothing about the credential.
	for _, secret := range []string{"secret-one-111111", "secret-two-222222"} {
		require.Equal(t, health.StatusHealthy, classifier.Status(keypool.CredentialID(secret), testModel))
	}
}

func TestCompleteExhaustionCarriesRetryHint(t *testing.T) {
	ctx := context.Background()
	up := &fakeUpstream{respond: func(string) (*upstream.GenerateResponse, error) {
		return nil, &upstream.Error{StatusCode: http.StatusTooManyRequests, RetryAfter: 42 * time.Second}
	}}
	orch, _, _ := newOrchestrator(t, up, Config{TransientDelay: time.Millisecond}, roomyLimits(),
		"secret-one-111111", "secret-two-222222")

	_, _, err := orch.Complete(ctx, testRequest(), "chatcmpl-x")
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, testModel, exhausted.Model)
	require.Equal(t, 2, exhausted.Attempts)
	require.Equal(t, 42*time.Second, exhausted.RetryAfter)
	require.ErrorAs(t, exhausted.LastErr, new(*upstream.Error))
}

func TestCompleteExhaustionDefaultHint(t *testing.T) {
	ctx := context.Background()
	up := &fakeUpstream{respond: func(string) (*upstream.GenerateResponse, error) {
		return nil, &upstream.Error{StatusCode: http.StatusTooManyRequests}
	}}
	orch, _, _ := newOrchestrator(t, up, Config{ExhaustedRetryHint: 15 * time.Second}, roomyLimits(), "secret-one-111111")

	_, _, err := orch.Complete(ctx, testRequest(), "chatcmpl-x")
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 15*time.Second, exhausted.RetryAfter)
}

func TestCompleteRetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	up := &fakeUpstream{respond: func(apiKey string) (*upstream.GenerateResponse, error) {
		if apiKey == "secret-one-111111" {
			return nil, &upstream.Error{StatusCode: http.StatusServiceUnavailable}
		}
		return successResponse(), nil
	}}
	orch, _, classifier := newOrchestrator(t, up, Config{TransientDelay: time.Millisecond}, roomyLimits(),
		"secret-one-111111", "secret-two-222222")

	one := keypool.CredentialID("secret-one-111111")

	_, meta, err := orch.Complete(ctx, testRequest(), "chatcmpl-x")
	require.NoError(t, err)
	require.Equal(t, 2, meta.Attempts)
	// One transient failure stays below the limiting threshold.
	require.Equal(t, health.StatusHealthy, classifier.Status(one, testModel))
}

func TestCompleteSpreadsLoadAcrossPool(t *testing.T) {
	ctx := context.Background()
	up := &fakeUpstream{respond: func(string) (*upstream.GenerateResponse, error) {
		return successResponse(), nil
	}}
	secrets := []string{"secret-one-111111", "secret-two-222222", "secret-three-333"}
	orch, _, _ := newOrchestrator(t, up, Config{TransientDelay: time.Millisecond},
		quota.Limits{RPM: 2, RPD: 100, TPM: 1_000_000}, secrets...)

	// Six requests against three credentials with two requests per minute
	// each: every credential serves exactly two.
	for i := 0; i < 6; i++ {
		_, _, err := orch.Complete(ctx, testRequest(), "chatcmpl-x")
		require.NoError(t, err)
	}
	for _, secret := range secrets {
		require.Equal(t, 2, up.callCount(secret))
	}

	// The pool is now out of requests for the window.
	_, _, err := orch.Complete(ctx, testRequest(), "chatcmpl-x")
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
}

// firstChunkThenError yields one chunk, then a non-EOF failure.
type firstChunkThenError struct {
	sent bool
}

func (s *firstChunkThenError) Recv() (*upstream.GenerateResponse, error) {
	if s.sent {
		return nil, io.ErrUnexpectedEOF
	}
	s.sent = true
	return successResponse(), nil
}

func (s *firstChunkThenError) Close() error { return nil }

type nullSink struct {
	sent int
}

func (n *nullSink) Send(translate.ChatStreamChunk) error {
	n.sent++
	return nil
}

func TestStreamDeliveredForbidsRotation(t *testing.T) {
	ctx := context.Background()
	up := &fakeUpstream{stream: func(string) (relay.ChunkStream, error) {
		return &firstChunkThenError{}, nil
	}}
	orch, _, _ := newOrchestrator(t, up, Config{TransientDelay: time.Millisecond}, roomyLimits(),
		"secret-one-111111", "secret-two-222222")

	sink := &nullSink{}
	meta, err := orch.Stream(ctx, testRequest(), "chatcmpl-x", sink)
	require.Error(t, err)
	var exhausted *ExhaustedError
	require.False(t, errors.As(err, &exhausted))
	require.Equal(t, 1, meta.Attempts)
	require.Positive(t, sink.sent)
	require.Len(t, up.calls, 1)
}

func TestStreamRotatesBeforeDelivery(t *testing.T) {
	ctx := context.Background()
	up := &fakeUpstream{stream: func(apiKey string) (relay.ChunkStream, error) {
		if apiKey == "secret-one-111111" {
			return nil, &upstream.Error{StatusCode: http.StatusTooManyRequests}
		}
		return &fakeCompletingStream{}, nil
	}}
	orch, _, _ := newOrchestrator(t, up, Config{TransientDelay: time.Millisecond}, roomyLimits(),
		"secret-one-111111", "secret-two-222222")

	two := keypool.CredentialID("secret-two-222222")

	sink := &nullSink{}
	meta, err := orch.Stream(ctx, testRequest(), "chatcmpl-x", sink)
	require.NoError(t, err)
	require.Equal(t, two, meta.CredentialID)
	require.Equal(t, 2, meta.Attempts)
}

type fakeCompletingStream struct {
	sent bool
}

func (s *fakeCompletingStream) Recv() (*upstream.GenerateResponse, error) {
	if s.sent {
		return nil, io.EOF
	}
	s.sent = true
	return successResponse(), nil
}

func (s *fakeCompletingStream) Close() error { return nil }

func TestModelsFiltersUnreachable(t *testing.T) {
	up := &fakeUpstream{}
	orch, _, classifier := newOrchestrator(t, up, Config{}, roomyLimits(), "secret-one-111111")

	configured := []string{testModel, "other-model"}
	require.Equal(t, configured, orch.Models(configured))

	// Health is scoped per model; killing one leaves the other reachable.
	classifier.MarkDead(keypool.CredentialID("secret-one-111111"), testModel)
	require.Equal(t, []string{"other-model"}, orch.Models(configured))
}