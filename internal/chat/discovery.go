package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/guestgate/internal/completion"
	"github.com/ashureev/guestgate/internal/discovery"
	"github.com/ashureev/guestgate/internal/domain"
	"github.com/ashureev/guestgate/internal/engagement"
	"github.com/ashureev/guestgate/internal/session"
)

// DiscoveryInput is one anonymous turn.
type DiscoveryInput struct {
	ClientIP   string
	Message    string
	EntryPoint string
}

// discoveryGate is what the critical section hands to the rest of the turn.
type discoveryGate struct {
	softLimited bool
	merge       discovery.MergeResult
	outcome     engagement.Outcome
	history     []string
}

// DiscoveryTurn runs an anonymous turn. Quota, capture and strikes are
// committed atomically per client IP before the completion call, and stay
// committed if that call fails.
func (s *Service) DiscoveryTurn(ctx context.Context, in DiscoveryInput) (TurnResult, error) {
	msg := strings.TrimSpace(in.Message)
	if msg == "" {
		return TurnResult{}, ErrEmptyMessage
	}

	sig := discovery.Extract(msg)

	var gate discoveryGate
	decision, dc, err := s.limiter.Admit(ctx, in.ClientIP, func(d session.Decision, dc *domain.DiscoveryContext) error {
		gate = discoveryGate{}
		if s.limiter.SoftLimited(d.Used) {
			gate.softLimited = true
			return nil
		}
		gate.history = append([]string(nil), dc.MessageHistory...)
		gate.merge = discovery.Merge(dc, sig, msg)
		gate.outcome = s.engagement.Evaluate(dc.Engagement, engagement.Input{
			Engaged:           sig.Engaged(),
			InvalidNameFormat: sig.InvalidNameFormat,
			Message:           msg,
			History:           gate.history,
			Turn:              d.Used,
		})
		dc.Engagement = gate.outcome.State
		return nil
	})
	if err != nil {
		slog.Error("Session store failure", "ip", in.ClientIP, "error", err)
		return TurnResult{}, fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}

	if !decision.Allowed {
		s.rec.QuotaDenied()
		s.rec.Turn(audienceAnonymous, "quota_exceeded")
		return TurnResult{Denied: s.denial(decision)}, nil
	}

	usage := usageOf(decision, s.now())
	resp := &TurnResponse{
		Strikes:        strikesOf(dc.Engagement),
		CapturedName:   dc.CapturedName,
		CapturedIntent: dc.CapturedIntent,
		Quota:          &usage,
	}

	if gate.softLimited {
		s.rec.SoftLimited()
		s.rec.Turn(audienceAnonymous, OutcomeSoftLimit)
		resp.Outcome = OutcomeSoftLimit
		resp.Reply = SignupPrompt
		return TurnResult{Response: resp}, nil
	}

	resp.Repeated = gate.merge.Repeated
	if gate.outcome.Failsafe {
		slog.Info("Engagement failsafe triggered", "ip", in.ClientIP,
			"non_engagement_strikes", gate.outcome.State.NonEngagementStrikes)
		s.rec.Failsafe(audienceAnonymous)
		s.rec.Turn(audienceAnonymous, OutcomeFailsafe)
		resp.Outcome = OutcomeFailsafe
		resp.Reply = engagement.FailsafeMessage
		resp.Failsafe = true
		return TurnResult{Response: resp}, nil
	}

	reply, err := s.complete(ctx, completion.Request{
		Message: msg,
		Mode:    completion.ModeDiscovery,
		History: gate.history,
		Context: completion.BuildContext(completion.ContextInput{
			Name:       dc.CapturedName,
			Intent:     dc.CapturedIntent,
			Engagement: dc.Engagement,
			Repeated:   gate.merge.Repeated,
		}),
	})
	if err != nil {
		s.rec.Turn(audienceAnonymous, "completion_failed")
		return TurnResult{}, err
	}

	s.rec.Turn(audienceAnonymous, OutcomeReply)
	resp.Outcome = OutcomeReply
	resp.Reply = reply.Text
	resp.Tokens = reply.Tokens
	return TurnResult{Response: resp}, nil
}

// Quota reports the caller's anonymous quota without consuming it.
func (s *Service) Quota(ctx context.Context, clientIP string) (session.Usage, error) {
	u, err := s.limiter.Peek(ctx, clientIP)
	if err != nil {
		return session.Usage{}, fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	return u, nil
}

// QuotaLimit returns the configured per-window message cap.
func (s *Service) QuotaLimit() int {
	return s.limiter.Policy().MaxMessages
}

func (s *Service) denial(d session.Decision) *QuotaDenial {
	p := s.limiter.Policy()
	return &QuotaDenial{
		Error:             "quota_exceeded",
		Message:           fmt.Sprintf("You've reached the limit of %d free messages. Sign up to keep the conversation going.", p.MaxMessages),
		Limit:             p.MaxMessages,
		WindowHours:       p.Window.Hours(),
		SecondsUntilReset: session.SecondsUntil(d.RetryAfter),
		ResetAt:           d.ResetAt,
	}
}

func (s *Service) complete(ctx context.Context, req completion.Request) (completion.Reply, error) {
	reply, err := s.completion.Complete(ctx, req)
	if err != nil {
		if !errors.Is(err, completion.ErrNotConfigured) {
			slog.Error("Completion call failed", "mode", req.Mode, "error", err)
		}
		s.rec.CompletionFailed(req.Mode)
		return completion.Reply{}, fmt.Errorf("%w: %v", ErrAssistantUnavailable, err)
	}
	return reply, nil
}

func usageOf(d session.Decision, now time.Time) session.Usage {
	return session.Usage{
		Used:              d.Used,
		Remaining:         d.Remaining,
		SecondsUntilReset: session.SecondsUntil(d.ResetAt.Sub(now)),
		ResetAt:           d.ResetAt,
	}
}
