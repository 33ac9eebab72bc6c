package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/guestgate/internal/completion"
	"github.com/ashureev/guestgate/internal/discovery"
	"github.com/ashureev/guestgate/internal/domain"
	"github.com/ashureev/guestgate/internal/engagement"
	"github.com/ashureev/guestgate/internal/phase"
	"github.com/ashureev/guestgate/internal/store"
)

// ConversationInput is one authenticated turn.
type ConversationInput struct {
	UserID         string
	ConversationID string
	Message        string
	Silo           string
}

// conversationGate is the committed state of an authenticated turn.
type conversationGate struct {
	conv       domain.Conversation
	merge      discovery.MergeResult
	history    []string
	outcome    engagement.Outcome
	transition phase.Transition
	depth      *float64
}

// CreateConversation starts a conversation for userID. Depth starts at 0.
func (s *Service) CreateConversation(ctx context.Context, userID, mode string) (*domain.Conversation, error) {
	if mode == "" {
		mode = completion.ModeCoach
	}
	if err := s.conversations.EnsureUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	now := s.now()
	conv := &domain.Conversation{
		ID:        s.newID(),
		UserID:    userID,
		Mode:      mode,
		Depth:     domain.NewConversationDepth(now),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.conversations.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	slog.Info("Conversation created", "conversation_id", conv.ID, "user_id", userID, "mode", mode)
	return conv, nil
}

// ConversationTurn runs an authenticated turn: capture, strikes, phase and
// depth are persisted under the conversation's lock, then the completion
// service is called outside it.
func (s *Service) ConversationTurn(ctx context.Context, in ConversationInput) (*TurnResponse, error) {
	msg := strings.TrimSpace(in.Message)
	if msg == "" {
		return nil, ErrEmptyMessage
	}

	gate, err := s.gateConversation(ctx, in, msg)
	if err != nil {
		return nil, err
	}

	resp := &TurnResponse{
		Strikes:        strikesOf(gate.conv.Engagement),
		CapturedName:   gate.conv.CapturedName,
		CapturedIntent: gate.conv.CapturedIntent,
		Repeated:       gate.merge.Repeated,
		ConversationID: gate.conv.ID,
		Depth:          gate.depth,
		Phase:          gate.transition.To,
	}
	if gate.transition.Advanced() {
		resp.Transition = &PhaseChange{From: gate.transition.From, To: gate.transition.To}
	}

	if gate.outcome.Failsafe {
		slog.Info("Engagement failsafe triggered", "conversation_id", gate.conv.ID,
			"non_engagement_strikes", gate.outcome.State.NonEngagementStrikes)
		s.rec.Failsafe(audienceAuthenticated)
		s.rec.Turn(audienceAuthenticated, OutcomeFailsafe)
		resp.Outcome = OutcomeFailsafe
		resp.Reply = engagement.FailsafeMessage
		resp.Failsafe = true
		return resp, nil
	}

	reply, err := s.complete(ctx, completion.Request{
		Message: msg,
		History: gate.history,
		Mode:    gate.conv.Mode,
		Context: completion.BuildContext(completion.ContextInput{
			Name:       gate.conv.CapturedName,
			Intent:     gate.conv.CapturedIntent,
			Engagement: gate.conv.Engagement,
			Repeated:   gate.merge.Repeated,
			Phase:      gate.transition.To,
			Depth:      gate.depth,
		}),
	})
	if err != nil {
		s.rec.Turn(audienceAuthenticated, "completion_failed")
		return nil, err
	}

	s.rec.Turn(audienceAuthenticated, OutcomeReply)
	resp.Outcome = OutcomeReply
	resp.Reply = reply.Text
	resp.Tokens = reply.Tokens
	return resp, nil
}

func (s *Service) gateConversation(ctx context.Context, in ConversationInput, msg string) (conversationGate, error) {
	// Unknown or foreign IDs are rejected before a lock entry is created.
	if _, err := s.ownedConversation(ctx, in.UserID, in.ConversationID); err != nil {
		return conversationGate{}, err
	}

	unlock := s.convLocks.Lock(in.ConversationID)
	defer unlock()

	conv, err := s.ownedConversation(ctx, in.UserID, in.ConversationID)
	if err != nil {
		return conversationGate{}, err
	}

	sig := discovery.Extract(msg)
	dc := domain.DiscoveryContext{
		CapturedName:    conv.CapturedName,
		CapturedIntent:  conv.CapturedIntent,
		MessageHistory:  conv.MessageHistory,
		Engagement:      conv.Engagement,
		RepetitionCount: conv.RepetitionCount,
	}
	gate := conversationGate{history: append([]string(nil), conv.MessageHistory...)}
	gate.merge = discovery.Merge(&dc, sig, msg)
	conv.TurnCount++
	gate.outcome = s.engagement.Evaluate(conv.Engagement, engagement.Input{
		Engaged:           sig.Engaged(),
		InvalidNameFormat: sig.InvalidNameFormat,
		Message:           msg,
		History:           gate.history,
		Turn:              conv.TurnCount,
	})

	conv.CapturedName = dc.CapturedName
	conv.CapturedIntent = dc.CapturedIntent
	conv.MessageHistory = dc.MessageHistory
	conv.RepetitionCount = dc.RepetitionCount
	conv.Engagement = gate.outcome.State
	if err := s.conversations.SaveConversationSignals(ctx, conv); err != nil {
		return conversationGate{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	gate.conv = *conv

	gate.transition, err = s.phase.Observe(ctx, phase.Turn{
		UserID:  in.UserID,
		Message: msg,
		Meta:    phase.Meta{Name: conv.CapturedName, Intent: conv.CapturedIntent},
		Silo:    in.Silo,
	})
	if err != nil {
		return conversationGate{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if gate.transition.Advanced() {
		s.rec.PhaseAdvanced(string(gate.transition.From), string(gate.transition.To))
	}

	if conv.Depth.Enabled && !gate.outcome.Failsafe {
		score := s.scorer.Score(ctx, msg)
		if score.ModelFailed {
			s.rec.RaterFailed()
		}
		v, err := s.depth.Update(ctx, conv.ID, score.Value)
		if err != nil {
			return conversationGate{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		s.rec.DepthUpdated(v)
		gate.depth = &v
	}
	return gate, nil
}

// Depth returns the conversation's current decayed depth and whether
// tracking is enabled.
func (s *Service) Depth(ctx context.Context, userID, conversationID string) (float64, bool, error) {
	conv, err := s.ownedConversation(ctx, userID, conversationID)
	if err != nil {
		return 0, false, err
	}
	v, err := s.depth.Get(ctx, conv.ID)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return v, conv.Depth.Enabled, nil
}

// SetDepthTracking disables or re-enables depth tracking.
func (s *Service) SetDepthTracking(ctx context.Context, userID, conversationID string, enabled bool) error {
	if _, err := s.ownedConversation(ctx, userID, conversationID); err != nil {
		return err
	}
	op := s.depth.Disable
	if enabled {
		op = s.depth.Enable
	}
	if err := op(ctx, conversationID); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	slog.Info("Depth tracking changed", "conversation_id", conversationID, "enabled", enabled)
	return nil
}

// Phase returns the user's phase state.
func (s *Service) Phase(ctx context.Context, userID string) (domain.PhaseState, error) {
	st, err := s.phase.Current(ctx, userID)
	if err != nil {
		return domain.PhaseState{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return st, nil
}

func (s *Service) ownedConversation(ctx context.Context, userID, conversationID string) (*domain.Conversation, error) {
	conv, err := s.conversations.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if conv.UserID != userID {
		return nil, ErrConversationNotFound
	}
	return conv, nil
}
