// Package failover orchestrates upstream attempts across the credential
// pool: select, reserve, attempt, classify, and rotate until success or
// exhaustion.
package failover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hydragw/hydra/internal/health"
	"github.com/hydragw/hydra/internal/keypool"
	"github.com/hydragw/hydra/internal/quota"
	"github.com/hydragw/hydra/internal/relay"
	"github.com/hydragw/hydra/internal/router"
	"github.com/hydragw/hydra/internal/translate"
	"github.com/hydragw/hydra/internal/upstream"
)

// Upstream is the provider access the orchestrator drives. *upstream.Client
// satisfies it through ClientUpstream; tests substitute fakes.
type Upstream interface {
	GenerateContent(ctx context.Context, apiKey, model string, req *upstream.GenerateRequest) (*upstream.GenerateResponse, error)
	StreamGenerateContent(ctx context.Context, apiKey, model string, req *upstream.GenerateRequest) (relay.ChunkStream, error)
}

// ClientUpstream adapts *upstream.Client to the Upstream interface.
type ClientUpstream struct {
	Client *upstream.Client
}

func (c ClientUpstream) GenerateContent(ctx context.Context, apiKey, model string, req *upstream.GenerateRequest) (*upstream.GenerateResponse, error) {
	return c.Client.GenerateContent(ctx, apiKey, model, req)
}

func (c ClientUpstream) StreamGenerateContent(ctx context.Context, apiKey, model string, req *upstream.GenerateRequest) (relay.ChunkStream, error) {
	return c.Client.StreamGenerateContent(ctx, apiKey, model, req)
}

// Config holds the rotation policy.
type Config struct {
	// MaxAttempts caps the retry budget; the effective budget is the number
	// of healthy credentials at request start, at least 1.
	MaxAttempts int `mapstructure:"max_attempts"`
	// TransientDelay is the pause before retrying after a transient failure.
	TransientDelay time.Duration `mapstructure:"transient_delay"`
	// ExhaustedRetryHint is the Retry-After suggested to clients when the
	// pool is exhausted and no upstream hint is available.
	ExhaustedRetryHint time.Duration `mapstructure:"exhausted_retry_hint"`
}

// DefaultConfig returns the default rotation policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:        5,
		TransientDelay:     250 * time.Millisecond,
		ExhaustedRetryHint: 30 * time.Second,
	}
}

// ExhaustedError reports that every candidate credential is limited, dead,
// or out of quota for the model.
type ExhaustedError struct {
	Model      string
	Attempts   int
	RetryAfter time.Duration
	LastErr    error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all credentials exhausted for model %s after %d attempts", e.Model, e.Attempts)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// Meta describes the attempt that produced a result.
type Meta struct {
	CredentialID string
	Label        string
	Model        string
	Attempts     int
	Usage        *translate.ChatUsage
	LatencyMS    int64
}

// Orchestrator runs the per-request failover state machine.
type Orchestrator struct {
	pool    *keypool.Store
	tracker *quota.Tracker
	status  *health.Classifier
	routes  *router.Router
	relays  *relay.Relay
	up      Upstream
	cfg     Config
	logger  *zap.Logger
	clock   func() time.Time
}

// New wires an orchestrator over the shared registries.
func New(pool *keypool.Store, tracker *quota.Tracker, status *health.Classifier, routes *router.Router, relays *relay.Relay, up Upstream, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.ExhaustedRetryHint <= 0 {
		cfg.ExhaustedRetryHint = DefaultConfig().ExhaustedRetryHint
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		pool:    pool,
		tracker: tracker,
		status:  status,
		routes:  routes,
		relays:  relays,
		up:      up,
		cfg:     cfg,
		logger:  logger,
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// Complete runs a non-streamed exchange with rotation.
func (o *Orchestrator) Complete(ctx context.Context, req *translate.Request, requestID string) (*translate.ChatResponse, Meta, error) {
	var resp *translate.ChatResponse

	meta, err := o.run(ctx, req, func(ctx context.Context, cred keypool.Credential, body *upstream.GenerateRequest) (*translate.ChatUsage, bool, error) {
		raw, err := o.up.GenerateContent(ctx, cred.Secret, req.Model, body)
		if err != nil {
			return nil, false, err
		}
		encoded, err := translate.EncodeResponse(raw, requestID, req.Model, o.clock())
		if err != nil {
			return nil, false, fmt.Errorf("encode response: %w", err)
		}
		resp = encoded
		return encoded.Usage, false, nil
	})
	if err != nil {
		return nil, meta, err
	}
	return resp, meta, nil
}

// Stream runs a streamed exchange with rotation. Rotation stops once any
// chunk has reached the sink; a failure after that is surfaced, not retried.
func (o *Orchestrator) Stream(ctx context.Context, req *translate.Request, requestID string, sink relay.Sink) (Meta, error) {
	return o.run(ctx, req, func(ctx context.Context, cred keypool.Credential, body *upstream.GenerateRequest) (*translate.ChatUsage, bool, error) {
		stream, err := o.up.StreamGenerateContent(ctx, cred.Secret, req.Model, body)
		if err != nil {
			return nil, false, err
		}

		state := translate.NewStreamState(requestID, req.Model, o.clock())
		result, err := o.relays.Run(ctx, stream, state, sink)
		if err != nil {
			return result.Usage, result.Delivered, err
		}
		return result.Usage, result.Delivered, nil
	})
}

// attemptFn performs one upstream exchange. It reports the usage observed
// (possibly partial) and whether output already reached the client.
type attemptFn func(ctx context.Context, cred keypool.Credential, body *upstream.GenerateRequest) (*translate.ChatUsage, bool, error)

func (o *Orchestrator) run(ctx context.Context, req *translate.Request, attempt attemptFn) (Meta, error) {
	body, err := translate.EncodeUpstreamRequest(req)
	if err != nil {
		return Meta{}, err
	}

	budget := o.routes.HealthyCount(req.Model)
	if budget > o.cfg.MaxAttempts {
		budget = o.cfg.MaxAttempts
	}
	if budget < 1 {
		budget = 1
	}

	excluded := make(map[string]bool)
	attempts := 0
	selections := 0
	var lastErr error
	var retryHint time.Duration

	for attempts < budget {
		if err := ctx.Err(); err != nil {
			return Meta{Model: req.Model, Attempts: attempts}, err
		}

		// Selection is bounded separately from the retry budget: losing a
		// reservation race or removing a dead credential re-enters here
		// without consuming an attempt.
		selections++
		if selections > o.pool.Len()*2+budget {
			break
		}

		cred, err := o.routes.Select(ctx, req.Model, excluded)
		if errors.Is(err, router.ErrNoCandidate) {
			break
		}
		if err != nil {
			return Meta{Model: req.Model, Attempts: attempts}, err
		}

		reserved, err := o.tracker.Reserve(ctx, cred.ID, req.Model)
		if err != nil {
			return Meta{Model: req.Model, Attempts: attempts}, err
		}
		if !reserved {
			// Lost the race for the last headroom unit; drop this candidate
			// for the rest of the request and re-evaluate.
			excluded[cred.ID] = true
			continue
		}
		o.routes.MarkSelected(cred.ID)

		started := o.clock()
		usage, delivered, attemptErr := attempt(ctx, cred, body)
		latency := o.clock().Sub(started).Milliseconds()

		if usage != nil {
			if relErr := o.tracker.Release(ctx, cred.ID, req.Model, usage.TotalTokens); relErr != nil {
				o.logger.Warn("token release failed", zap.Error(relErr))
			}
		}

		meta := Meta{
			CredentialID: cred.ID,
			Label:        cred.Label,
			Model:        req.Model,
			Attempts:     attempts + 1,
			Usage:        usage,
			LatencyMS:    latency,
		}

		if attemptErr == nil {
			o.status.MarkSuccess(cred.ID, req.Model)
			return meta, nil
		}

		if ctx.Err() != nil {
			// Client went away; no health signal either way.
			return meta, ctx.Err()
		}
		if delivered {
			// Output already reached the client; rotation would corrupt the
			// stream.
			o.status.MarkTransient(cred.ID, req.Model)
			return meta, attemptErr
		}

		lastErr = attemptErr
		var upErr *upstream.Error
		switch {
		case errors.As(attemptErr, &upErr) && upErr.RateLimited():
			o.status.MarkLimited(cred.ID, req.Model, upErr.RetryAfter)
			if upErr.RetryAfter > 0 {
				retryHint = upErr.RetryAfter
			}
			excluded[cred.ID] = true
			attempts++

		case errors.As(attemptErr, &upErr) && upErr.CredentialRejected():
			// Removing a dead credential does not consume the retry budget.
			o.status.MarkDead(cred.ID, req.Model)
			excluded[cred.ID] = true

		case errors.As(attemptErr, &upErr) && !upErr.Transient():
			// Request-scoped rejection: surface unchanged, never rotate.
			return meta, attemptErr

		default:
			// Network failure, timeout, or 5xx.
			o.status.MarkTransient(cred.ID, req.Model)
			attempts++
			if o.cfg.TransientDelay > 0 && attempts < budget {
				select {
				case <-ctx.Done():
					return meta, ctx.Err()
				case <-time.After(o.cfg.TransientDelay):
				}
			}
		}

		o.logger.Warn("attempt failed",
			zap.String("model", req.Model),
			zap.String("credential", cred.ID),
			zap.String("label", cred.Label),
			zap.Int("attempts_used", attempts),
			zap.Error(attemptErr))
	}

	if retryHint <= 0 {
		retryHint = o.cfg.ExhaustedRetryHint
	}
	return Meta{Model: req.Model, Attempts: attempts}, &ExhaustedError{
		Model:      req.Model,
		Attempts:   attempts,
		RetryAfter: retryHint,
		LastErr:    lastErr,
	}
}

// Models returns the upstream models currently reachable by at least one
// healthy credential.
func (o *Orchestrator) Models(configured []string) []string {
	var out []string
	for _, model := range configured {
		if o.routes.HealthyCount(model) > 0 {
			out = append(out, model)
		}
	}
	return out
}
