package depth

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/guestgate/internal/domain"
)

var errMissing = errors.New("missing")

type memStore struct {
	mu sync.Mutex
	m  map[string]domain.ConversationDepth
}

func newMemStore() *memStore {
	return &memStore{m: make(map[string]domain.ConversationDepth)}
}

func (s *memStore) LoadDepth(_ context.Context, id string) (domain.ConversationDepth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.m[id]
	if !ok {
		return domain.ConversationDepth{}, errMissing
	}
	return d, nil
}

func (s *memStore) SaveDepth(_ context.Context, id string, d domain.ConversationDepth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[id] = d
	return nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestEngine(t *testing.T) (*Engine, *memStore, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := newMemStore()
	s.m["conv"] = domain.NewConversationDepth(c.t)
	return NewEngine(s, Params{HalfLife: 24 * time.Hour, Alpha: 0.4}, c.now), s, c
}

func TestUpdateIncreasesAndStaysBounded(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	prev := 0.0
	want := []float64{0.36, 0.576, 0.7056}
	for i, w := range want {
		v, err := e.Update(ctx, "conv", 0.9)
		require.NoError(t, err)
		assert.InDelta(t, w, v, 1e-9, "turn %d", i+1)
		assert.Greater(t, v, prev)
		assert.LessOrEqual(t, v, 1.0)
		prev = v
	}
}

func TestUpdateClampsScore(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	for range 50 {
		v, err := e.Update(ctx, "conv", 7)
		require.NoError(t, err)
		assert.LessOrEqual(t, v, 1.0)
	}
	v, err := e.Update(ctx, "conv", -3)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, v, 0.0)
}

func TestGetDecaysWithoutPersisting(t *testing.T) {
	e, s, c := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Update(ctx, "conv", 1)
	require.NoError(t, err)
	stored := s.m["conv"]

	c.advance(24 * time.Hour)
	v, err := e.Get(ctx, "conv")
	require.NoError(t, err)
	assert.InDelta(t, 0.4*math.Exp(-1), v, 1e-9)
	assert.Equal(t, stored, s.m["conv"])
}

func TestUpdateDecaysBeforeBlending(t *testing.T) {
	e, _, c := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Update(ctx, "conv", 1)
	require.NoError(t, err)
	c.advance(48 * time.Hour)

	v, err := e.Update(ctx, "conv", 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.6*0.4*math.Exp(-2), v, 1e-9)
}

func TestDisableAndEnable(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Update(ctx, "conv", 0.9)
	require.NoError(t, err)

	require.NoError(t, e.Disable(ctx, "conv"))
	assert.False(t, s.m["conv"].Enabled)

	v, err := e.Update(ctx, "conv", 0.9)
	require.NoError(t, err)
	assert.Zero(t, v)
	got, err := e.Get(ctx, "conv")
	require.NoError(t, err)
	assert.Zero(t, got)

	require.NoError(t, e.Enable(ctx, "conv"))
	got, err = e.Get(ctx, "conv")
	require.NoError(t, err)
	assert.Zero(t, got)

	v, err = e.Update(ctx, "conv", 0.9)
	require.NoError(t, err)
	assert.InDelta(t, 0.36, v, 1e-9)
}

func TestEnableKeepsActiveDepth(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Update(ctx, "conv", 0.9)
	require.NoError(t, err)
	require.NoError(t, e.Enable(ctx, "conv"))

	v, err := e.Get(ctx, "conv")
	require.NoError(t, err)
	assert.InDelta(t, 0.36, v, 1e-9)
}

func TestEngineLoadError(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.Get(context.Background(), "nope")
	require.ErrorIs(t, err, errMissing)
	_, err = e.Update(context.Background(), "nope", 0.5)
	require.ErrorIs(t, err, errMissing)
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.Update(ctx, "conv", 1)
		}()
	}
	wg.Wait()

	// Twenty serialized updates toward 1 from 0 leave 1 - 0.6^20.
	assert.InDelta(t, 1-math.Pow(0.6, 20), s.m["conv"].Value, 1e-9)
}

func TestDecay(t *testing.T) {
	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	hl := 24 * time.Hour

	assert.InDelta(t, 0.8, Decay(0.8, now, now, hl), 1e-12)
	assert.InDelta(t, 0.8, Decay(0.8, time.Time{}, now, hl), 1e-12, "zero timestamp")
	assert.InDelta(t, 0.8, Decay(0.8, now.Add(time.Hour), now, hl), 1e-12, "future timestamp")
	assert.InDelta(t, 0.8*math.Exp(-0.5), Decay(0.8, now.Add(-12*time.Hour), now, hl), 1e-12)

	prev := 1.0
	for h := 1; h <= 96; h += 5 {
		v := Decay(1, now.Add(-time.Duration(h)*time.Hour), now, hl)
		assert.LessOrEqual(t, v, prev)
		prev = v
	}
}

func TestBlend(t *testing.T) {
	assert.InDelta(t, 0.36, Blend(0, 0.9, 0.4), 1e-12)
	assert.Equal(t, 1.0, Blend(1, 5, 0.4))
	assert.Equal(t, 0.0, Blend(math.NaN(), -1, 0.4))
}
