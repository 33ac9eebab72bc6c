// Package chat orchestrates a chat turn through the gating pipeline: quota,
// signal capture, engagement strikes, depth and phase, and finally the
// completion call.
package chat

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/guestgate/internal/completion"
	"github.com/ashureev/guestgate/internal/depth"
	"github.com/ashureev/guestgate/internal/domain"
	"github.com/ashureev/guestgate/internal/engagement"
	"github.com/ashureev/guestgate/internal/phase"
	"github.com/ashureev/guestgate/internal/session"
	"github.com/ashureev/guestgate/internal/shared"
)

// SignupPrompt answers anonymous turns past the soft limit.
const SignupPrompt = "You've been sharing a lot, and I'd love to keep going. " +
	"Create a free account so we can continue without limits and I can remember what matters to you."

// Turn outcomes.
const (
	OutcomeReply     = "reply"
	OutcomeSoftLimit = "soft_limit"
	OutcomeFailsafe  = "failsafe"
)

// Metric audiences.
const (
	audienceAnonymous     = "anonymous"
	audienceAuthenticated = "authenticated"
)

var (
	// ErrAssistantUnavailable means the completion call failed after all
	// gating state was committed.
	ErrAssistantUnavailable = errors.New("assistant_unavailable")
	// ErrConversationNotFound is returned for unknown or foreign conversations.
	ErrConversationNotFound = errors.New("conversation_not_found")
	// ErrSessionUnavailable wraps session store failures.
	ErrSessionUnavailable = errors.New("session_store_unavailable")
	// ErrStorageUnavailable wraps persistence failures.
	ErrStorageUnavailable = errors.New("storage_unavailable")
	// ErrEmptyMessage rejects blank turns.
	ErrEmptyMessage = errors.New("message is required")
)

// ConversationStore is the persistence the authenticated pipeline needs.
type ConversationStore interface {
	EnsureUser(ctx context.Context, userID string) error
	CreateConversation(ctx context.Context, conv *domain.Conversation) error
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	SaveConversationSignals(ctx context.Context, conv *domain.Conversation) error
}

// Recorder receives pipeline events. *metrics.Metrics implements it.
type Recorder interface {
	Turn(audience, outcome string)
	QuotaDenied()
	SoftLimited()
	Failsafe(audience string)
	DepthUpdated(v float64)
	RaterFailed()
	PhaseAdvanced(from, to string)
	CompletionFailed(mode string)
}

type nopRecorder struct{}

func (nopRecorder) Turn(string, string)          {}
func (nopRecorder) QuotaDenied()                 {}
func (nopRecorder) SoftLimited()                 {}
func (nopRecorder) Failsafe(string)              {}
func (nopRecorder) DepthUpdated(float64)         {}
func (nopRecorder) RaterFailed()                 {}
func (nopRecorder) PhaseAdvanced(string, string) {}
func (nopRecorder) CompletionFailed(string)      {}

// Deps wires the pipeline's components.
type Deps struct {
	Limiter       *session.Limiter
	Engagement    *engagement.Machine
	Depth         *depth.Engine
	Scorer        *depth.Scorer
	Phase         *phase.Tracker
	Conversations ConversationStore
	Completion    completion.Client
	Recorder      Recorder
	Now           func() time.Time
	NewID         func() string
}

// Service runs chat turns.
type Service struct {
	limiter       *session.Limiter
	engagement    *engagement.Machine
	depth         *depth.Engine
	scorer        *depth.Scorer
	phase         *phase.Tracker
	conversations ConversationStore
	completion    completion.Client
	rec           Recorder
	now           func() time.Time
	newID         func() string
	convLocks     shared.KeyedMutex
}

// NewService creates a Service. Recorder, Now and NewID are optional.
func NewService(d Deps) *Service {
	s := &Service{
		limiter:       d.Limiter,
		engagement:    d.Engagement,
		depth:         d.Depth,
		scorer:        d.Scorer,
		phase:         d.Phase,
		conversations: d.Conversations,
		completion:    d.Completion,
		rec:           d.Recorder,
		now:           d.Now,
		newID:         d.NewID,
	}
	if s.rec == nil {
		s.rec = nopRecorder{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.completion == nil {
		s.completion = completion.Disabled{}
	}
	return s
}

// Strikes are the engagement counters reported to clients.
type Strikes struct {
	NonEngagement  int `json:"non_engagement"`
	HonestAttempts int `json:"honest_attempts"`
	InvalidNames   int `json:"invalid_names"`
}

func strikesOf(st domain.EngagementState) Strikes {
	return Strikes{
		NonEngagement:  st.NonEngagementStrikes,
		HonestAttempts: st.HonestAttemptStrikes,
		InvalidNames:   st.InvalidNameCount,
	}
}

// TurnResponse is the client-facing result of an admitted turn.
type TurnResponse struct {
	Outcome        string         `json:"outcome"`
	Reply          string         `json:"reply"`
	Tokens         int            `json:"tokens,omitempty"`
	Failsafe       bool           `json:"failsafe"`
	Strikes        Strikes        `json:"strikes"`
	CapturedName   string         `json:"captured_name,omitempty"`
	CapturedIntent string         `json:"captured_intent,omitempty"`
	Repeated       bool           `json:"repeated,omitempty"`
	Quota          *session.Usage `json:"quota,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Depth          *float64       `json:"depth,omitempty"`
	Phase          domain.Phase   `json:"phase,omitempty"`
	Transition     *PhaseChange   `json:"phase_transition,omitempty"`
}

// PhaseChange reports a phase advance during a turn.
type PhaseChange struct {
	From domain.Phase `json:"from"`
	To   domain.Phase `json:"to"`
}

// QuotaDenial is the payload returned when the hard limit is hit.
type QuotaDenial struct {
	Error             string    `json:"error"`
	Message           string    `json:"message"`
	Limit             int       `json:"limit"`
	WindowHours       float64   `json:"window_hours"`
	SecondsUntilReset int64     `json:"seconds_until_reset"`
	ResetAt           time.Time `json:"reset_at"`
}

// TurnResult is either an admitted turn or a quota denial.
type TurnResult struct {
	Response *TurnResponse
	Denied   *QuotaDenial
}
