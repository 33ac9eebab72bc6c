package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/guestgate/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newConversation(id string, now time.Time) *domain.Conversation {
	return &domain.Conversation{
		ID:        id,
		UserID:    "user-1",
		Mode:      "coach",
		Depth:     domain.NewConversationDepth(now),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestConversationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	require.NoError(t, s.CreateConversation(ctx, newConversation("c1", now)))

	got, err := s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "coach", got.Mode)
	assert.True(t, got.Depth.Enabled)
	assert.Zero(t, got.Depth.Value)
	assert.True(t, got.Depth.LastUpdatedAt.Equal(now))
	assert.Empty(t, got.MessageHistory)
	assert.Zero(t, got.RepetitionCount)
	assert.Zero(t, got.TurnCount)

	got.CapturedName = "Bob"
	got.CapturedIntent = "help with anxiety"
	got.Engagement = domain.EngagementState{NonEngagementStrikes: 2, HonestAttemptStrikes: 1, InvalidNameCount: 1}
	got.MessageHistory = []string{"whatever lol", "whatever lol"}
	got.RepetitionCount = 1
	got.TurnCount = 2
	require.NoError(t, s.SaveConversationSignals(ctx, got))

	again, err := s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Bob", again.CapturedName)
	assert.Equal(t, "help with anxiety", again.CapturedIntent)
	assert.Equal(t, got.Engagement, again.Engagement)
	assert.Equal(t, []string{"whatever lol", "whatever lol"}, again.MessageHistory)
	assert.Equal(t, 1, again.RepetitionCount)
	assert.Equal(t, 2, again.TurnCount)
}

func TestGetConversationNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetConversation(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDepthRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.CreateConversation(ctx, newConversation("c1", now)))

	later := now.Add(time.Hour).Truncate(time.Millisecond)
	require.NoError(t, s.SaveDepth(ctx, "c1", domain.ConversationDepth{Value: 0.42, LastUpdatedAt: later, Enabled: false}))

	d, err := s.LoadDepth(ctx, "c1")
	require.NoError(t, err)
	assert.InDelta(t, 0.42, d.Value, 1e-12)
	assert.False(t, d.Enabled)
	assert.True(t, d.LastUpdatedAt.Equal(later))
}

func TestDepthZeroTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, newConversation("c1", time.Now())))
	require.NoError(t, s.SaveDepth(ctx, "c1", domain.ConversationDepth{Value: 0.3, Enabled: true}))

	d, err := s.LoadDepth(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, d.LastUpdatedAt.IsZero())
}

func TestDepthMissingConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.LoadDepth(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)
	err = s.SaveDepth(ctx, "nope", domain.ConversationDepth{Enabled: true})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPhaseStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, found, err := s.GetPhaseState(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.EnsureUser(ctx, "u1"))
	st, found, err := s.GetPhaseState(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, domain.PhaseDiscovery, st.Phase)

	now := time.Now().Truncate(time.Millisecond)
	want := domain.PhaseState{
		UserID: "u1",
		Phase:  domain.PhaseStrategy,
		Metrics: domain.ClarityMetrics{
			NameCaptured: true, IntentCaptured: true, SiloFocusIdentified: true, TopicClarityScore: 1,
		},
		UpdatedAt: now,
	}
	require.NoError(t, s.SavePhaseState(ctx, want))
	require.NoError(t, s.EnsureUser(ctx, "u1"))

	got, found, err := s.GetPhaseState(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want.Phase, got.Phase)
	assert.Equal(t, want.Metrics, got.Metrics)
	assert.True(t, got.UpdatedAt.Equal(now))
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Ping(context.Background()))
}
