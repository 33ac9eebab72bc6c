// Package depth tracks a bounded, time-decaying conversation depth score.
package depth

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ashureev/guestgate/internal/domain"
	"github.com/ashureev/guestgate/internal/shared"
)

// Store persists conversation depth.
type Store interface {
	LoadDepth(ctx context.Context, conversationID string) (domain.ConversationDepth, error)
	SaveDepth(ctx context.Context, conversationID string, d domain.ConversationDepth) error
}

// Params are the decay and blending tunables.
type Params struct {
	HalfLife time.Duration
	Alpha    float64
}

// Engine reads and updates depth with lazy decay.
type Engine struct {
	store  Store
	params Params
	now    func() time.Time
	locks  shared.KeyedMutex
}

// NewEngine creates an Engine. A nil now uses time.Now.
func NewEngine(store Store, params Params, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{store: store, params: params, now: now}
}

// Get returns the decayed depth without persisting it. Disabled
// conversations read as 0.
func (e *Engine) Get(ctx context.Context, conversationID string) (float64, error) {
	d, err := e.store.LoadDepth(ctx, conversationID)
	if err != nil {
		return 0, fmt.Errorf("load depth: %w", err)
	}
	if !d.Enabled {
		return 0, nil
	}
	return Decay(d.Value, d.LastUpdatedAt, e.now(), e.params.HalfLife), nil
}

// Update blends score into the decayed depth and persists the result.
// On a disabled conversation it is a no-op returning 0.
func (e *Engine) Update(ctx context.Context, conversationID string, score float64) (float64, error) {
	unlock := e.locks.Lock(conversationID)
	defer unlock()

	d, err := e.store.LoadDepth(ctx, conversationID)
	if err != nil {
		return 0, fmt.Errorf("load depth: %w", err)
	}
	if !d.Enabled {
		return 0, nil
	}

	now := e.now()
	decayed := Decay(d.Value, d.LastUpdatedAt, now, e.params.HalfLife)
	next := Blend(decayed, score, e.params.Alpha)

	if err := e.store.SaveDepth(ctx, conversationID, domain.ConversationDepth{
		Value:         next,
		LastUpdatedAt: now,
		Enabled:       true,
	}); err != nil {
		return 0, fmt.Errorf("save depth: %w", err)
	}
	return next, nil
}

// Disable zeroes depth and stops further updates.
func (e *Engine) Disable(ctx context.Context, conversationID string) error {
	return e.set(ctx, conversationID, false)
}

// Enable turns depth tracking back on, starting from 0. Enabling an
// already enabled conversation changes nothing.
func (e *Engine) Enable(ctx context.Context, conversationID string) error {
	unlock := e.locks.Lock(conversationID)
	defer unlock()

	d, err := e.store.LoadDepth(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load depth: %w", err)
	}
	if d.Enabled {
		return nil
	}
	return e.save(ctx, conversationID, domain.ConversationDepth{LastUpdatedAt: e.now(), Enabled: true})
}

func (e *Engine) set(ctx context.Context, conversationID string, enabled bool) error {
	unlock := e.locks.Lock(conversationID)
	defer unlock()
	return e.save(ctx, conversationID, domain.ConversationDepth{LastUpdatedAt: e.now(), Enabled: enabled})
}

func (e *Engine) save(ctx context.Context, conversationID string, d domain.ConversationDepth) error {
	if err := e.store.SaveDepth(ctx, conversationID, d); err != nil {
		return fmt.Errorf("save depth: %w", err)
	}
	return nil
}

// Decay applies value·exp(-elapsed_hours/halfLife_hours). A zero, future
// or otherwise unusable timestamp counts as no elapsed time.
func Decay(value float64, last, now time.Time, halfLife time.Duration) float64 {
	value = clamp01(value)
	if last.IsZero() || halfLife <= 0 {
		return value
	}
	elapsed := now.Sub(last)
	if elapsed <= 0 {
		return value
	}
	return clamp01(value * math.Exp(-elapsed.Hours()/halfLife.Hours()))
}

// Blend returns clamp(alpha·score + (1-alpha)·current, 0, 1).
func Blend(current, score, alpha float64) float64 {
	return clamp01(alpha*clamp01(score) + (1-alpha)*clamp01(current))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(math.Max(v, 0), 1)
}
