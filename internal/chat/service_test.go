package chat

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/guestgate/internal/completion"
	"github.com/ashureev/guestgate/internal/depth"
	"github.com/ashureev/guestgate/internal/domain"
	"github.com/ashureev/guestgate/internal/engagement"
	"github.com/ashureev/guestgate/internal/phase"
	"github.com/ashureev/guestgate/internal/session"
	"github.com/ashureev/guestgate/internal/store"
)

type stubCompletion struct {
	mu    sync.Mutex
	err   error
	calls []completion.Request
}

func (s *stubCompletion) Complete(_ context.Context, req completion.Request) (completion.Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if s.err != nil {
		return completion.Reply{}, s.err
	}
	return completion.Reply{Text: "reply to: " + req.Message, Tokens: 7}, nil
}

func (s *stubCompletion) Calls() []completion.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]completion.Request(nil), s.calls...)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	svc   *Service
	comp  *stubCompletion
	clock *testClock
	repo  *store.SQLiteStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	comp := &stubCompletion{}
	var ids atomic.Int64
	svc := NewService(Deps{
		Limiter: session.NewLimiter(session.NewMemoryStore(), session.Policy{
			Window:      time.Hour,
			MaxMessages: 5,
			SoftLimit:   3,
		}, session.WithClock(clock.Now)),
		Engagement: engagement.NewMachine(nil, 3, 5),
		Depth:      depth.NewEngine(repo, depth.Params{HalfLife: 24 * time.Hour, Alpha: 0.4}, clock.Now),
		Scorer: depth.NewScorer(depth.ScorerConfig{
			MinLength:         20,
			ModelThreshold:    0.35,
			LongMessageLength: 280,
			RaterTimeout:      time.Second,
		}, nil),
		Phase:         phase.NewTracker(repo, clock.Now),
		Conversations: repo,
		Completion:    comp,
		Now:           clock.Now,
		NewID: func() string {
			return fmt.Sprintf("conv-%d", ids.Add(1))
		},
	})
	return &harness{svc: svc, comp: comp, clock: clock, repo: repo}
}

func (h *harness) discovery(t *testing.T, ip, msg string) TurnResult {
	t.Helper()
	res, err := h.svc.DiscoveryTurn(context.Background(), DiscoveryInput{ClientIP: ip, Message: msg})
	require.NoError(t, err)
	return res
}

func TestDiscoveryQuotaAndSoftLimit(t *testing.T) {
	h := newHarness(t)

	questions := []string{
		"tell me more about coaching please",
		"how does a typical session work?",
		"what kind of people do you help?",
	}
	for i, q := range questions {
		res := h.discovery(t, "1.2.3.4", q)
		require.NotNil(t, res.Response, "request %d", i+1)
		assert.Equal(t, OutcomeReply, res.Response.Outcome)
		assert.Equal(t, i+1, res.Response.Quota.Used)
	}
	for i := 4; i <= 5; i++ {
		res := h.discovery(t, "1.2.3.4", "and what happens next for me here")
		require.NotNil(t, res.Response, "request %d", i)
		assert.Equal(t, OutcomeSoftLimit, res.Response.Outcome)
		assert.Equal(t, SignupPrompt, res.Response.Reply)
	}
	assert.Len(t, h.comp.Calls(), 3, "soft-limited turns never reach the completion service")

	h.clock.Advance(10 * time.Minute)
	res := h.discovery(t, "1.2.3.4", "one more?")
	require.Nil(t, res.Response)
	require.NotNil(t, res.Denied)
	assert.Equal(t, "quota_exceeded", res.Denied.Error)
	assert.Equal(t, 5, res.Denied.Limit)
	assert.InDelta(t, 1.0, res.Denied.WindowHours, 1e-9)
	assert.Equal(t, int64(50*60), res.Denied.SecondsUntilReset)

	other := h.discovery(t, "5.6.7.8", "hello there, just curious")
	require.NotNil(t, other.Response, "quota is per client IP")

	h.clock.Advance(51 * time.Minute)
	again := h.discovery(t, "1.2.3.4", "I'm back, is this working now?")
	require.NotNil(t, again.Response)
	assert.Equal(t, 1, again.Response.Quota.Used)
}

func TestDiscoveryCapturesNameAndIntent(t *testing.T) {
	h := newHarness(t)

	res := h.discovery(t, "1.2.3.4", "My name is Bob and I need help with anxiety")
	require.NotNil(t, res.Response)
	assert.Equal(t, "Bob", res.Response.CapturedName)
	assert.Equal(t, "help with anxiety", res.Response.CapturedIntent)
	assert.Equal(t, Strikes{}, res.Response.Strikes)

	calls := h.comp.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, completion.ModeDiscovery, calls[0].Mode)
	assert.Contains(t, calls[0].Context, "Bob")

	res = h.discovery(t, "1.2.3.4", "what should I do first?")
	require.NotNil(t, res.Response)
	assert.Equal(t, "Bob", res.Response.CapturedName, "captured name persists across turns")

	calls = h.comp.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"My name is Bob and I need help with anxiety"}, calls[1].History)
}

func TestDiscoveryFailsafeAfterDismissiveTurns(t *testing.T) {
	h := newHarness(t)

	res := h.discovery(t, "1.2.3.4", "whatever")
	require.NotNil(t, res.Response)
	assert.False(t, res.Response.Failsafe)
	assert.Equal(t, 2, res.Response.Strikes.NonEngagement)

	res = h.discovery(t, "1.2.3.4", "nah")
	require.NotNil(t, res.Response)
	assert.True(t, res.Response.Failsafe)
	assert.Equal(t, OutcomeFailsafe, res.Response.Outcome)
	assert.Equal(t, engagement.FailsafeMessage, res.Response.Reply)
	assert.Len(t, h.comp.Calls(), 1, "failsafe turns are not sent to the completion service")

	res = h.discovery(t, "1.2.3.4", "My name is Bob")
	require.NotNil(t, res.Response)
	assert.False(t, res.Response.Failsafe, "engagement clears strikes")
	assert.Equal(t, 0, res.Response.Strikes.NonEngagement)
}

func TestDiscoveryCompletionFailureKeepsState(t *testing.T) {
	h := newHarness(t)
	h.comp.err = errors.New("upstream down")

	_, err := h.svc.DiscoveryTurn(context.Background(), DiscoveryInput{
		ClientIP: "1.2.3.4",
		Message:  "My name is Bob",
	})
	require.ErrorIs(t, err, ErrAssistantUnavailable)

	u, err := h.svc.Quota(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, 1, u.Used, "the failed turn still consumed quota")

	h.comp.err = nil
	res := h.discovery(t, "1.2.3.4", "are you there now?")
	require.NotNil(t, res.Response)
	assert.Equal(t, "Bob", res.Response.CapturedName)
}

func TestDiscoveryRejectsEmptyMessage(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.DiscoveryTurn(context.Background(), DiscoveryInput{ClientIP: "1.2.3.4", Message: "   "})
	require.ErrorIs(t, err, ErrEmptyMessage)

	u, err := h.svc.Quota(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, 0, u.Used)
}

func TestConversationTurnTracksDepth(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	conv, err := h.svc.CreateConversation(ctx, "user-1", "")
	require.NoError(t, err)
	assert.Equal(t, completion.ModeCoach, conv.Mode)

	resp, err := h.svc.ConversationTurn(ctx, ConversationInput{
		UserID:         "user-1",
		ConversationID: conv.ID,
		Message:        "I keep wondering why I feel stuck and what I really want from my work?",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeReply, resp.Outcome)
	require.NotNil(t, resp.Depth)
	assert.Greater(t, *resp.Depth, 0.0)
	assert.LessOrEqual(t, *resp.Depth, 1.0)
	assert.Equal(t, domain.PhaseDiscovery, resp.Phase)

	v, enabled, err := h.svc.Depth(ctx, "user-1", conv.ID)
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.InDelta(t, *resp.Depth, v, 1e-9)
}

func TestConversationDepthDisable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	conv, err := h.svc.CreateConversation(ctx, "user-1", completion.ModeCoach)
	require.NoError(t, err)
	require.NoError(t, h.svc.SetDepthTracking(ctx, "user-1", conv.ID, false))

	resp, err := h.svc.ConversationTurn(ctx, ConversationInput{
		UserID:         "user-1",
		ConversationID: conv.ID,
		Message:        "I keep wondering why I feel stuck and what I really want from my work?",
	})
	require.NoError(t, err)
	assert.Nil(t, resp.Depth)

	v, enabled, err := h.svc.Depth(ctx, "user-1", conv.ID)
	require.NoError(t, err)
	assert.False(t, enabled)
	assert.Equal(t, 0.0, v)
}

func TestConversationOwnership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	conv, err := h.svc.CreateConversation(ctx, "user-1", "")
	require.NoError(t, err)

	_, err = h.svc.ConversationTurn(ctx, ConversationInput{
		UserID:         "user-2",
		ConversationID: conv.ID,
		Message:        "hello there",
	})
	require.ErrorIs(t, err, ErrConversationNotFound)

	_, _, err = h.svc.Depth(ctx, "user-1", "missing")
	require.ErrorIs(t, err, ErrConversationNotFound)
}

func TestConversationCapturePersists(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	conv, err := h.svc.CreateConversation(ctx, "user-1", "")
	require.NoError(t, err)

	_, err = h.svc.ConversationTurn(ctx, ConversationInput{
		UserID:         "user-1",
		ConversationID: conv.ID,
		Message:        "My name is Bob and I need help with anxiety",
	})
	require.NoError(t, err)

	stored, err := h.repo.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Bob", stored.CapturedName)
	assert.Equal(t, "help with anxiety", stored.CapturedIntent)
}

func TestConversationRepetitionEscalatesToFailsafe(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	conv, err := h.svc.CreateConversation(ctx, "user-1", "")
	require.NoError(t, err)

	turn := func() *TurnResponse {
		t.Helper()
		resp, err := h.svc.ConversationTurn(ctx, ConversationInput{
			UserID:         "user-1",
			ConversationID: conv.ID,
			Message:        "whatever lol",
		})
		require.NoError(t, err)
		return resp
	}

	first := turn()
	assert.False(t, first.Repeated)
	assert.Equal(t, 0, first.Strikes.NonEngagement)
	assert.False(t, first.Failsafe)

	second := turn()
	assert.True(t, second.Repeated)
	assert.Equal(t, 2, second.Strikes.NonEngagement)
	assert.False(t, second.Failsafe)

	third := turn()
	assert.True(t, third.Repeated)
	assert.True(t, third.Failsafe)
	assert.Equal(t, OutcomeFailsafe, third.Outcome)

	calls := h.comp.Calls()
	require.Len(t, calls, 2, "failsafe turns are not sent to the completion service")
	assert.Empty(t, calls[0].History)
	assert.Equal(t, []string{"whatever lol"}, calls[1].History)

	stored, err := h.repo.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.TurnCount)
	assert.Equal(t, 2, stored.RepetitionCount)
	assert.Len(t, stored.MessageHistory, 3)
}

func TestConversationUnknownIDsDoNotRetainLocks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := range 2000 {
		_, err := h.svc.ConversationTurn(ctx, ConversationInput{
			UserID:         "user-1",
			ConversationID: fmt.Sprintf("bogus-%d", i),
			Message:        "hello there",
		})
		require.ErrorIs(t, err, ErrConversationNotFound)
	}
	assert.Equal(t, 0, h.svc.convLocks.Len())

	conv, err := h.svc.CreateConversation(ctx, "user-1", "")
	require.NoError(t, err)
	_, err = h.svc.ConversationTurn(ctx, ConversationInput{
		UserID:         "user-1",
		ConversationID: conv.ID,
		Message:        "My name is Bob",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, h.svc.convLocks.Len(), "lock entries are released after the turn")
}
