package server

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/hydragw/hydra/internal/failover"
	"github.com/hydragw/hydra/internal/quota"
	"github.com/hydragw/hydra/internal/store"
	"github.com/hydragw/hydra/internal/translate"
	"github.com/hydragw/hydra/internal/upstream"
)

const maxBodyBytes = 32 << 20 // generous; inline images are base64

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var wire translate.ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&wire); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "malformed JSON body")
		return
	}

	req, err := translate.DecodeRequest(&wire)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	req.Model = translate.ResolveModel(req.Model, s.deps.Aliases)

	requestID := translate.NewRequestID()
	start := time.Now()

	s.logger.Debug("chat request",
		zap.String("request_id", GetRequestID(r.Context())),
		zap.String("model", req.Model),
		zap.Bool("stream", req.Stream),
		zap.Int("estimated_tokens", translate.EstimateTokens(req)))

	if req.Stream {
		s.streamCompletion(w, r, req, requestID, start)
		return
	}

	resp, meta, err := s.deps.Orchestrator.Complete(r.Context(), req, requestID)
	if err != nil {
		status := s.respondError(w, err)
		s.logExchange(r, req, meta, status, start)
		return
	}

	writeJSON(w, http.StatusOK, resp)
	s.logExchange(r, req, meta, http.StatusOK, start)
}

func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, req *translate.Request, requestID string, start time.Time) {
	sink, err := newSSESink(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", err.Error())
		return
	}

	meta, err := s.deps.Orchestrator.Stream(r.Context(), req, requestID, sink)
	switch {
	case err == nil:
		sink.Done()
		s.logExchange(r, req, meta, http.StatusOK, start)
	case !sink.Delivered():
		// Nothing reached the client yet, so a plain error response is
		// still possible.
		status := s.respondError(w, err)
		s.logExchange(r, req, meta, status, start)
	default:
		// Output already went out; all we can do is stop the stream.
		s.logger.Warn("stream aborted after delivery",
			zap.String("request_id", GetRequestID(r.Context())),
			zap.String("model", req.Model),
			zap.Error(err))
		s.logExchange(r, req, meta, http.StatusOK, start)
	}
}

// respondError maps orchestration errors onto OpenAI-style error responses
// and returns the status written.
func (s *Server) respondError(w http.ResponseWriter, err error) int {
	var exhausted *failover.ExhaustedError
	if errors.As(err, &exhausted) {
		seconds := int(math.Ceil(exhausted.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", exhausted.Error())
		return http.StatusTooManyRequests
	}

	if errors.Is(err, translate.ErrInvalidRequest) {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return http.StatusBadRequest
	}

	var upstreamErr *upstream.Error
	if errors.As(err, &upstreamErr) && upstreamErr.StatusCode >= 400 && upstreamErr.StatusCode < 500 {
		// Request-scoped upstream rejection passes through unchanged.
		writeError(w, upstreamErr.StatusCode, "invalid_request_error", upstreamErr.Message)
		return upstreamErr.StatusCode
	}

	if errors.Is(err, context.Canceled) {
		// Client went away; the status code is moot.
		return http.StatusRequestTimeout
	}

	writeError(w, http.StatusBadGateway, "api_error", "upstream request failed")
	return http.StatusBadGateway
}

func (s *Server) logExchange(r *http.Request, req *translate.Request, meta failover.Meta, status int, start time.Time) {
	tokenID := GetTokenID(r.Context())

	var prompt, completion, total int
	if meta.Usage != nil {
		prompt = meta.Usage.PromptTokens
		completion = meta.Usage.CompletionTokens
		total = meta.Usage.TotalTokens
	}

	// The request context may already be cancelled; accounting still runs.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if tokenID != "" && s.deps.Tokens != nil && total > 0 {
		if err := s.deps.Tokens.RecordUsage(ctx, tokenID, req.Model, total); err != nil {
			s.logger.Warn("record token usage", zap.Error(err))
		}
	}

	if s.deps.Requests == nil {
		return
	}
	record := store.RequestRecord{
		RequestID:        GetRequestID(r.Context()),
		TokenID:          tokenID,
		CredentialID:     meta.CredentialID,
		Model:            req.Model,
		Stream:           req.Stream,
		Status:           status,
		Attempts:         meta.Attempts,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      total,
		LatencyMS:        time.Since(start).Milliseconds(),
	}
	if err := s.deps.Requests.LogRequest(ctx, record); err != nil {
		s.logger.Warn("log request", zap.Error(err))
	}
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	now := time.Now().Unix()

	served := s.deps.Orchestrator.Models(s.deps.Models)
	list := translate.ModelList{Object: "list"}
	seen := make(map[string]bool, len(served))
	for _, model := range served {
		seen[model] = true
		list.Data = append(list.Data, translate.ModelInfo{
			ID: model, Object: "model", Created: now, OwnedBy: "google",
		})
	}
	// Aliases are first-class client-facing names.
	for alias, target := range s.deps.Aliases {
		if seen[target] && !seen[alias] {
			seen[alias] = true
			list.Data = append(list.Data, translate.ModelInfo{
				ID: alias, Object: "model", Created: now, OwnedBy: "google",
			})
		}
	}

	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"credentials": s.deps.Pool.Len(),
	})
}

// KeyStatus is one row of the admin key listing.
type KeyStatus struct {
	CredentialID string    `json:"credential_id"`
	Label        string    `json:"label"`
	Preview      string    `json:"preview"`
	Model        string    `json:"model"`
	Status       string    `json:"status"`
	StatusUntil  time.Time `json:"status_until,omitempty"`
	Failures     int       `json:"failures"`
	RPMUsed      int       `json:"rpm_used"`
	RPMLimit     int       `json:"rpm_limit"`
	RPDUsed      int       `json:"rpd_used"`
	RPDLimit     int       `json:"rpd_limit"`
	TPMUsed      int       `json:"tpm_used"`
	TPMLimit     int       `json:"tpm_limit"`
	Score        float64   `json:"score"`
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	rows := s.keyStatuses(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"keys": rows})
}

func (s *Server) keyStatuses(ctx context.Context) []KeyStatus {
	var rows []KeyStatus
	for _, cred := range s.deps.Pool.All() {
		for _, model := range s.modelsFor(cred.Models) {
			row := KeyStatus{
				CredentialID: cred.ID,
				Label:        cred.Label,
				Preview:      cred.Preview(),
				Model:        model,
				Status:       string(s.deps.Status.Status(cred.ID, model)),
			}
			for _, snap := range s.deps.Status.Snapshots() {
				if snap.CredentialID == cred.ID && snap.Model == model {
					row.StatusUntil = snap.StatusUntil
					row.Failures = snap.ConsecutiveFailures
				}
			}
			if snap, err := s.deps.Tracker.Snapshot(ctx, cred.ID, model); err == nil {
				row.Score = snap.Score()
				for _, headroom := range snap.Classes {
					switch headroom.Class {
					case quota.ClassRPM:
						row.RPMUsed, row.RPMLimit = headroom.Used, headroom.Limit
					case quota.ClassRPD:
						row.RPDUsed, row.RPDLimit = headroom.Used, headroom.Limit
					case quota.ClassTPM:
						row.TPMUsed, row.TPMLimit = headroom.Used, headroom.Limit
					}
				}
			}
			rows = append(rows, row)
		}
	}
	return rows
}

func (s *Server) modelsFor(credModels []string) []string {
	if len(credModels) > 0 {
		return credModels
	}
	return s.deps.Models
}
