package phase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/guestgate/internal/domain"
	"github.com/ashureev/guestgate/internal/shared"
)

// Store persists per-user phase state. GetPhaseState returns found=false
// for users with no recorded phase.
type Store interface {
	GetPhaseState(ctx context.Context, userID string) (domain.PhaseState, bool, error)
	SavePhaseState(ctx context.Context, state domain.PhaseState) error
}

// Turn is the input to Tracker.Observe.
type Turn struct {
	UserID  string
	Message string
	Meta    Meta
	Silo    string
}

// Transition reports the effect of one observed turn.
type Transition struct {
	From    domain.Phase          `json:"from"`
	To      domain.Phase          `json:"to"`
	Metrics domain.ClarityMetrics `json:"clarity_metrics"`
}

// Advanced reports whether the phase moved forward.
func (t Transition) Advanced() bool {
	return t.To != t.From
}

// Tracker applies clarity metrics to stored phase state, one user at a time.
type Tracker struct {
	store Store
	now   func() time.Time
	locks shared.KeyedMutex
}

// NewTracker creates a Tracker. A nil now uses time.Now.
func NewTracker(store Store, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{store: store, now: now}
}

// Current returns the user's phase state, defaulting to discovery.
func (t *Tracker) Current(ctx context.Context, userID string) (domain.PhaseState, error) {
	st, found, err := t.store.GetPhaseState(ctx, userID)
	if err != nil {
		return domain.PhaseState{}, fmt.Errorf("get phase state: %w", err)
	}
	if !found || !st.Phase.Valid() {
		st = domain.PhaseState{UserID: userID, Phase: domain.PhaseDiscovery}
	}
	return st, nil
}

// Observe computes the turn's clarity metrics, advances the phase when the
// transition rules allow and persists the result.
func (t *Tracker) Observe(ctx context.Context, turn Turn) (Transition, error) {
	unlock := t.locks.Lock(turn.UserID)
	defer unlock()

	st, err := t.Current(ctx, turn.UserID)
	if err != nil {
		return Transition{}, err
	}

	metrics := ComputeClarity(turn.Message, turn.Meta, turn.Silo)
	tr := Transition{From: st.Phase, To: Next(st.Phase, metrics), Metrics: metrics}

	st.Phase = tr.To
	st.Metrics = metrics
	st.UpdatedAt = t.now()
	if err := t.store.SavePhaseState(ctx, st); err != nil {
		return Transition{}, fmt.Errorf("save phase state: %w", err)
	}

	if tr.Advanced() {
		slog.Info("Phase advanced", "user_id", turn.UserID, "from", tr.From, "to", tr.To)
	}
	return tr, nil
}
