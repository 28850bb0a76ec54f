// Package router selects the next credential for an upstream attempt.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hydragw/hydra/internal/health"
	"github.com/hydragw/hydra/internal/keypool"
	"github.com/hydragw/hydra/internal/quota"
)

// ErrNoCandidate is returned when no healthy credential with quota headroom
// remains for the model. Callers must treat it as exhaustion.
var ErrNoCandidate = fmt.Errorf("router: no candidate credential")

// Router ranks healthy credentials by proportional quota slack. It never
// mutates quota or health state; reservation is a separate step so the caller
// can re-evaluate after losing a reservation race.
type Router struct {
	pool    *keypool.Store
	tracker *quota.Tracker
	status  *health.Classifier
	logger  *zap.Logger

	mu       sync.Mutex
	lastPick map[string]time.Time
	clock    func() time.Time
}

// New builds a router over the shared pool, tracker, and classifier.
func New(pool *keypool.Store, tracker *quota.Tracker, status *health.Classifier, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		pool:     pool,
		tracker:  tracker,
		status:   status,
		logger:   logger,
		lastPick: make(map[string]time.Time),
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// Select returns the best candidate credential for the model: healthy, not
// excluded, ranked by the slack of its tightest limit class, ties broken by
// least-recently-selected. Returns ErrNoCandidate when nothing remains.
func (r *Router) Select(ctx context.Context, model string, excluded map[string]bool) (keypool.Credential, error) {
	type ranked struct {
		cred  keypool.Credential
		score float64
		last  time.Time
	}

	var best *ranked
	for _, cred := range r.pool.ForModel(model) {
		if excluded[cred.ID] {
			continue
		}
		if r.status.Status(cred.ID, model) != health.StatusHealthy {
			continue
		}

		snap, err := r.tracker.Snapshot(ctx, cred.ID, model)
		if err != nil {
			return keypool.Credential{}, err
		}
		score := snap.Score()
		if score <= 0 {
			continue
		}

		candidate := ranked{cred: cred, score: score, last: r.lastSelected(cred.ID)}
		if best == nil ||
			candidate.score > best.score ||
			(candidate.score == best.score && candidate.last.Before(best.last)) {
			best = &candidate
		}
	}

	if best == nil {
		return keypool.Credential{}, ErrNoCandidate
	}

	r.logger.Debug("routed",
		zap.String("model", model),
		zap.String("credential", best.cred.ID),
		zap.String("label", best.cred.Label),
		zap.Float64("score", best.score))
	return best.cred, nil
}

// MarkSelected records a successful reservation for the tie-break ordering.
func (r *Router) MarkSelected(credentialID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastPick[credentialID] = r.clock()
}

// HealthyCount returns how many non-excluded credentials are currently
// healthy for the model, used to size the retry budget at request start.
func (r *Router) HealthyCount(model string) int {
	count := 0
	for _, cred := range r.pool.ForModel(model) {
		if r.status.Status(cred.ID, model) == health.StatusHealthy {
			count++
		}
	}
	return count
}

func (r *Router) lastSelected(credentialID string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastPick[credentialID]
}
