// Package health classifies credential usability per (credential, model) pair.
package health

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hydragw/hydra/internal/quota"
)

// Status is the tri-state usability of a pair.
type Status string

const (
	// StatusHealthy means the pair may be selected.
	StatusHealthy Status = "healthy"
	// StatusLimited means the pair is excluded until a deadline passes.
	StatusLimited Status = "limited"
	// StatusDead means the pair is excluded for the process lifetime.
	StatusDead Status = "dead"
)

const (
	// DefaultBackoffBase seeds the exponential backoff for rate-limit marks
	// that carry no upstream retry hint.
	DefaultBackoffBase = 2 * time.Second
	// DefaultBackoffCap bounds the exponential backoff.
	DefaultBackoffCap = 60 * time.Second
	// DefaultFailureThreshold is how many consecutive transient failures a
	// pair absorbs before it is limited with a short backoff.
	DefaultFailureThreshold = 5
)

type keyState struct {
	status              Status
	statusUntil         time.Time
	consecutiveFailures int
}

// Snapshot is a read-only view of one pair's state for the dashboard.
type Snapshot struct {
	CredentialID        string
	Model               string
	Status              Status
	StatusUntil         time.Time
	ConsecutiveFailures int
}

// Classifier owns KeyState for every pair it has seen. States are created
// lazily on first mark or status query.
type Classifier struct {
	mu     sync.Mutex
	states map[quota.Pair]*keyState

	clock            func() time.Time
	backoffBase      time.Duration
	backoffCap       time.Duration
	failureThreshold int
	logger           *zap.Logger
}

// Option adjusts classifier policy.
type Option func(*Classifier)

// WithClock substitutes the time source.
func WithClock(clock func() time.Time) Option {
	return func(c *Classifier) { c.clock = clock }
}

// WithBackoff overrides the backoff base and cap.
func WithBackoff(base, cap time.Duration) Option {
	return func(c *Classifier) {
		if base > 0 {
			c.backoffBase = base
		}
		if cap > 0 {
			c.backoffCap = cap
		}
	}
}

// WithFailureThreshold overrides the consecutive-failure limit.
func WithFailureThreshold(n int) Option {
	return func(c *Classifier) {
		if n > 0 {
			c.failureThreshold = n
		}
	}
}

// NewClassifier returns a classifier with default policy.
func NewClassifier(logger *zap.Logger, opts ...Option) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Classifier{
		states:           make(map[quota.Pair]*keyState),
		clock:            func() time.Time { return time.Now().UTC() },
		backoffBase:      DefaultBackoffBase,
		backoffCap:       DefaultBackoffCap,
		failureThreshold: DefaultFailureThreshold,
		logger:           logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Classifier) state(credentialID, model string) *keyState {
	pair := quota.Pair{CredentialID: credentialID, Model: model}
	entry, ok := c.states[pair]
	if !ok {
		entry = &keyState{status: StatusHealthy}
		c.states[pair] = entry
	}
	return entry
}

// Status returns the pair's current status, lazily reverting an expired
// Limited mark to Healthy.
func (c *Classifier) Status(credentialID, model string) Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.state(credentialID, model)
	if entry.status == StatusLimited && !c.clock().Before(entry.statusUntil) {
		entry.status = StatusHealthy
		entry.statusUntil = time.Time{}
	}
	return entry.status
}

// MarkLimited excludes the pair until now+backoff. A positive hint (an
// upstream retry-after) wins over the exponential policy.
func (c *Classifier) MarkLimited(credentialID, model string, hint time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.state(credentialID, model)
	if entry.status == StatusDead {
		return
	}
	entry.consecutiveFailures++

	backoff := hint
	if backoff <= 0 {
		backoff = c.exponential(entry.consecutiveFailures)
	}
	if backoff > c.backoffCap {
		backoff = c.backoffCap
	}

	entry.status = StatusLimited
	entry.statusUntil = c.clock().Add(backoff)

	c.logger.Info("credential limited",
		zap.String("credential", credentialID),
		zap.String("model", model),
		zap.Duration("backoff", backoff),
		zap.Int("consecutive_failures", entry.consecutiveFailures))
}

// MarkDead excludes the pair for the remainder of the process lifetime. Only
// credential-scoped fatal rejections reach here, never quota exhaustion.
func (c *Classifier) MarkDead(credentialID, model string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.state(credentialID, model)
	if entry.status == StatusDead {
		return
	}
	entry.status = StatusDead
	entry.statusUntil = time.Time{}

	c.logger.Warn("credential marked dead",
		zap.String("credential", credentialID),
		zap.String("model", model))
}

// MarkSuccess resets the failure streak after a successful exchange.
func (c *Classifier) MarkSuccess(credentialID, model string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.state(credentialID, model)
	entry.consecutiveFailures = 0
	if entry.status == StatusLimited && !c.clock().Before(entry.statusUntil) {
		entry.status = StatusHealthy
		entry.statusUntil = time.Time{}
	}
}

// MarkTransient records a transient upstream failure. The status is left
// alone until the streak crosses the threshold, then the pair is limited with
// a short backoff.
func (c *Classifier) MarkTransient(credentialID, model string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.state(credentialID, model)
	if entry.status == StatusDead {
		return
	}
	entry.consecutiveFailures++
	if entry.consecutiveFailures < c.failureThreshold {
		return
	}

	entry.status = StatusLimited
	entry.statusUntil = c.clock().Add(c.backoffBase)

	c.logger.Info("credential limited after repeated transient failures",
		zap.String("credential", credentialID),
		zap.String("model", model),
		zap.Int("consecutive_failures", entry.consecutiveFailures))
}

// Snapshots returns the state of every pair seen so far, for the dashboard.
func (c *Classifier) Snapshots() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	out := make([]Snapshot, 0, len(c.states))
	for pair, entry := range c.states {
		status := entry.status
		if status == StatusLimited && !now.Before(entry.statusUntil) {
			status = StatusHealthy
		}
		out = append(out, Snapshot{
			CredentialID:        pair.CredentialID,
			Model:               pair.Model,
			Status:              status,
			StatusUntil:         entry.statusUntil,
			ConsecutiveFailures: entry.consecutiveFailures,
		})
	}
	return out
}

func (c *Classifier) exponential(failures int) time.Duration {
	backoff := c.backoffBase
	for i := 1; i < failures; i++ {
		backoff *= 2
		if backoff >= c.backoffCap {
			return c.backoffCap
		}
	}
	return backoff
}
