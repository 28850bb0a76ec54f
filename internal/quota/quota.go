// Package quota tracks per (credential, model) usage windows and enforces
// limit ceilings for request reservation.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Class identifies one limit class of a quota window.
type Class string

const (
	ClassRPM Class = "rpm" // requests per minute
	ClassRPD Class = "rpd" // requests per day
	ClassTPM Class = "tpm" // tokens per minute
)

// Classes lists all limit classes in evaluation order.
var Classes = []Class{ClassRPM, ClassRPD, ClassTPM}

// Limits holds the ceilings for one model.
type Limits struct {
	RPM int `mapstructure:"rpm"`
	RPD int `mapstructure:"rpd"`
	TPM int `mapstructure:"tpm"`
}

func (l Limits) ceiling(class Class) int {
	switch class {
	case ClassRPM:
		return l.RPM
	case ClassRPD:
		return l.RPD
	case ClassTPM:
		return l.TPM
	}
	return 0
}

func (l Limits) period(class Class) time.Duration {
	if class == ClassRPD {
		return 24 * time.Hour
	}
	return time.Minute
}

// DefaultLimits carries the free-tier ceilings per upstream model.
var DefaultLimits = map[string]Limits{
	"gemini-3-flash-preview": {RPM: 5, RPD: 50, TPM: 250_000},
	"gemini-2.5-pro":         {RPM: 5, RPD: 100, TPM: 250_000},
	"gemini-2.5-flash":       {RPM: 15, RPD: 1_500, TPM: 1_000_000},
	"gemini-2.5-flash-lite":  {RPM: 15, RPD: 1_000, TPM: 250_000},
	"gemini-2.5-flash-image": {RPM: 10, RPD: 25, TPM: 250_000},
	"gemini-embedding-001":   {RPM: 15, RPD: 1_500, TPM: 1_000_000},
}

// fallbackLimits applies to models with no configured entry.
var fallbackLimits = Limits{RPM: 5, RPD: 100, TPM: 250_000}

// Pair identifies one (credential, model) quota scope.
type Pair struct {
	CredentialID string
	Model        string
}

func (p Pair) String() string {
	return p.CredentialID + ":" + p.Model
}

// Window is one fixed-period counter. Count holds requests for RPM/RPD and
// tokens for TPM.
type Window struct {
	WindowStart time.Time
	Count       int
}

// State holds every quota window of one pair.
type State struct {
	Windows map[Class]Window
}

func newState() *State {
	return &State{Windows: make(map[Class]Window, len(Classes))}
}

// Store is the persistence abstraction behind the tracker. Mutate must apply
// fn to the pair's state atomically with respect to other callers of the same
// pair; when fn returns an error the state must not be persisted. Callers for
// different pairs must not contend.
type Store interface {
	Mutate(ctx context.Context, pair Pair, fn func(*State) error) error
	Load(ctx context.Context, pair Pair) (*State, error)
}

// ErrNoHeadroom aborts a reservation inside Store.Mutate.
var ErrNoHeadroom = errors.New("quota: no headroom")

// Headroom reports usage against one limit class.
type Headroom struct {
	Class Class
	Used  int
	Limit int
}

// Remaining returns units left in the window, never negative.
func (h Headroom) Remaining() int {
	if h.Used >= h.Limit {
		return 0
	}
	return h.Limit - h.Used
}

// Fraction returns remaining/limit in [0,1].
func (h Headroom) Fraction() float64 {
	if h.Limit <= 0 {
		return 0
	}
	return float64(h.Remaining()) / float64(h.Limit)
}

// Snapshot is a point-in-time headroom view of one pair, used for ranking.
type Snapshot struct {
	Pair    Pair
	Classes []Headroom
}

// Score is the proportional slack of the tightest limit class.
func (s Snapshot) Score() float64 {
	score := 1.0
	for _, h := range s.Classes {
		if f := h.Fraction(); f < score {
			score = f
		}
	}
	return score
}

// Tracker enforces quota ceilings per (credential, model) pair.
type Tracker struct {
	store  Store
	limits map[string]Limits
	clock  func() time.Time
	logger *zap.Logger
}

// NewTracker builds a tracker over the given store. A nil limits map falls
// back to DefaultLimits; a nil clock uses wall time.
func NewTracker(store Store, limits map[string]Limits, clock func() time.Time, logger *zap.Logger) *Tracker {
	if limits == nil {
		limits = DefaultLimits
	}
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: store, limits: limits, clock: clock, logger: logger}
}

// LimitsFor returns the configured ceilings for a model.
func (t *Tracker) LimitsFor(model string) Limits {
	if l, ok := t.limits[model]; ok {
		return l
	}
	return fallbackLimits
}

// Reserve atomically consumes one request unit from every window of the pair.
// It succeeds only if all windows have headroom after lazy rollover; otherwise
// no window is mutated and it returns false. Token cost is not reserved here;
// it is applied post hoc by Release.
func (t *Tracker) Reserve(ctx context.Context, credentialID, model string) (bool, error) {
	pair := Pair{CredentialID: credentialID, Model: model}
	limits := t.LimitsFor(model)

	err := t.store.Mutate(ctx, pair, func(state *State) error {
		now := t.clock()
		t.rollover(state, limits, now)

		// Check every class before touching any window.
		for _, class := range Classes {
			win := state.Windows[class]
			ceiling := limits.ceiling(class)
			need := 1
			if class == ClassTPM {
				// Count-only reservation: token cost is unknown until the
				// response arrives. The window just needs to be under ceiling.
				need = 0
			}
			if win.Count+need > ceiling {
				return ErrNoHeadroom
			}
		}

		for _, class := range []Class{ClassRPM, ClassRPD} {
			win := state.Windows[class]
			win.Count++
			state.Windows[class] = win
		}
		return nil
	})
	if errors.Is(err, ErrNoHeadroom) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reserve %s: %w", pair, err)
	}
	return true, nil
}

// Release applies the observed token cost of a completed exchange to the
// pair's token window. The cost may push the window over its ceiling; that is
// tolerated rather than retried.
func (t *Tracker) Release(ctx context.Context, credentialID, model string, tokensUsed int) error {
	if tokensUsed <= 0 {
		return nil
	}
	pair := Pair{CredentialID: credentialID, Model: model}
	limits := t.LimitsFor(model)

	err := t.store.Mutate(ctx, pair, func(state *State) error {
		t.rollover(state, limits, t.clock())
		win := state.Windows[ClassTPM]
		win.Count += tokensUsed
		state.Windows[ClassTPM] = win
		return nil
	})
	if err != nil {
		return fmt.Errorf("release %s: %w", pair, err)
	}
	return nil
}

// Snapshot returns current headroom per class for ranking. Rollover is
// applied to the returned view only; stored state is untouched.
func (t *Tracker) Snapshot(ctx context.Context, credentialID, model string) (Snapshot, error) {
	pair := Pair{CredentialID: credentialID, Model: model}
	limits := t.LimitsFor(model)

	state, err := t.store.Load(ctx, pair)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot %s: %w", pair, err)
	}
	if state == nil {
		state = newState()
	}

	now := t.clock()
	snap := Snapshot{Pair: pair}
	for _, class := range Classes {
		win := state.Windows[class]
		if now.Sub(win.WindowStart) >= limits.period(class) {
			win.Count = 0
		}
		used := win.Count
		if used < 0 {
			used = 0
		}
		snap.Classes = append(snap.Classes, Headroom{Class: class, Used: used, Limit: limits.ceiling(class)})
	}
	return snap, nil
}

// rollover resets expired windows and clamps counters that would otherwise be
// negative. A negative counter indicates store corruption; it is clamped and
// logged, never propagated.
func (t *Tracker) rollover(state *State, limits Limits, now time.Time) {
	if state.Windows == nil {
		state.Windows = make(map[Class]Window, len(Classes))
	}
	for _, class := range Classes {
		win, ok := state.Windows[class]
		if !ok || now.Sub(win.WindowStart) >= limits.period(class) {
			win = Window{WindowStart: now}
		}
		if win.Count < 0 {
			t.logger.Warn("negative quota counter clamped",
				zap.String("class", string(class)),
				zap.Int("count", win.Count))
			win.Count = 0
		}
		state.Windows[class] = win
	}
}
