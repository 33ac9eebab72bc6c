package session

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ashureev/guestgate/internal/domain"
)

// Policy is the fixed-window quota applied per key.
type Policy struct {
	Window      time.Duration
	MaxMessages int
	// SoftLimit is an advisory threshold on the same counter. A request whose
	// admitted count exceeds it should be answered with the signup nudge
	// instead of a completion. 0 disables it.
	SoftLimit int
}

// Decision is the outcome of CheckAndIncrement.
type Decision struct {
	Allowed    bool
	Used       int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
	// FreshWindow is set when this call started a new window and discarded
	// any previous DiscoveryContext.
	FreshWindow bool
}

// Usage is a read-only view of a key's quota.
type Usage struct {
	Used              int       `json:"used"`
	Remaining         int       `json:"remaining"`
	SecondsUntilReset int64     `json:"seconds_until_reset"`
	ResetAt           time.Time `json:"reset_at"`
}

// Limiter applies Policy over a Store.
type Limiter struct {
	store  Store
	policy Policy
	now    func() time.Time
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates a limiter over store.
func NewLimiter(store Store, policy Policy, opts ...Option) *Limiter {
	l := &Limiter{store: store, policy: policy, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Policy returns the limiter's policy.
func (l *Limiter) Policy() Policy {
	return l.policy
}

// Store returns the backing store.
func (l *Limiter) Store() Store {
	return l.store
}

// CheckAndIncrement consumes one message from key's quota if any is left.
// A denied call does not consume quota. A call after the window elapsed
// starts a new window with count 1 and an empty DiscoveryContext.
func (l *Limiter) CheckAndIncrement(ctx context.Context, key string) (Decision, error) {
	d, _, err := l.Admit(ctx, key, nil)
	return d, err
}

// TurnFunc runs with exclusive access to an admitted key's DiscoveryContext.
// It may run more than once if the store retries, so it must only touch dc.
type TurnFunc func(d Decision, dc *domain.DiscoveryContext) error

// Admit is CheckAndIncrement plus, when the request is allowed, fn applied
// to the key's DiscoveryContext in the same atomic step. It returns the
// resulting context.
func (l *Limiter) Admit(ctx context.Context, key string, fn TurnFunc) (Decision, domain.DiscoveryContext, error) {
	now := l.now()
	var d Decision

	e, err := l.store.Touch(ctx, key, func(e *Entry, exists bool) error {
		switch {
		case !exists || e.Window.Elapsed(now, l.policy.Window):
			*e = Entry{Window: domain.RateWindow{Count: 1, WindowStart: now}}
			d = l.decide(e.Window, now, true)
			d.FreshWindow = true
		case e.Window.Count >= l.policy.MaxMessages:
			d = l.decide(e.Window, now, false)
			return nil
		default:
			e.Window.Count++
			d = l.decide(e.Window, now, true)
		}
		if fn == nil {
			return nil
		}
		return fn(d, &e.Context)
	})
	if err != nil {
		return Decision{}, domain.DiscoveryContext{}, fmt.Errorf("check quota for %s: %w", key, err)
	}
	return d, e.Context, nil
}

func (l *Limiter) decide(w domain.RateWindow, now time.Time, allowed bool) Decision {
	resetAt := w.ResetAt(l.policy.Window)
	d := Decision{
		Allowed:   allowed,
		Used:      w.Count,
		Remaining: max(l.policy.MaxMessages-w.Count, 0),
		ResetAt:   resetAt,
	}
	if !allowed {
		d.RetryAfter = max(resetAt.Sub(now), 0)
	}
	return d
}

// Peek reports key's quota without consuming it. It reads the same window as
// CheckAndIncrement, so an elapsed window reads as unused and resets one full
// window from now, where the next admitted message would start it.
func (l *Limiter) Peek(ctx context.Context, key string) (Usage, error) {
	now := l.now()
	e, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return Usage{}, fmt.Errorf("peek quota for %s: %w", key, err)
	}
	if !ok || e.Window.Elapsed(now, l.policy.Window) {
		return Usage{
			Used:              0,
			Remaining:         l.policy.MaxMessages,
			SecondsUntilReset: ceilSeconds(l.policy.Window),
			ResetAt:           now.Add(l.policy.Window),
		}, nil
	}

	resetAt := e.Window.ResetAt(l.policy.Window)
	return Usage{
		Used:              e.Window.Count,
		Remaining:         max(l.policy.MaxMessages-e.Window.Count, 0),
		SecondsUntilReset: ceilSeconds(resetAt.Sub(now)),
		ResetAt:           resetAt,
	}, nil
}

// SoftLimited reports whether an admitted request with the given used count
// falls past the soft threshold.
func (l *Limiter) SoftLimited(used int) bool {
	return l.policy.SoftLimit > 0 && used > l.policy.SoftLimit
}

// Mutate applies fn to key's DiscoveryContext under the key's lock and
// returns the resulting context. A missing or elapsed window is replaced by
// an empty one without consuming quota.
func (l *Limiter) Mutate(ctx context.Context, key string, fn func(*domain.DiscoveryContext) error) (domain.DiscoveryContext, error) {
	now := l.now()
	e, err := l.store.Touch(ctx, key, func(e *Entry, exists bool) error {
		if !exists || e.Window.Elapsed(now, l.policy.Window) {
			*e = Entry{Window: domain.RateWindow{Count: 0, WindowStart: now}}
		}
		return fn(&e.Context)
	})
	if err != nil {
		return domain.DiscoveryContext{}, fmt.Errorf("update discovery context for %s: %w", key, err)
	}
	return e.Context, nil
}

// Context returns a snapshot of key's DiscoveryContext, empty if the window
// is missing or elapsed.
func (l *Limiter) Context(ctx context.Context, key string) (domain.DiscoveryContext, error) {
	e, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return domain.DiscoveryContext{}, fmt.Errorf("read discovery context for %s: %w", key, err)
	}
	if !ok || e.Window.Elapsed(l.now(), l.policy.Window) {
		return domain.DiscoveryContext{}, nil
	}
	return e.Context, nil
}

// SecondsUntil rounds d up to whole seconds, never below zero.
func SecondsUntil(d time.Duration) int64 {
	return ceilSeconds(d)
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}
