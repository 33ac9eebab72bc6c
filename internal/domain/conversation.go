package domain

import (
	"time"
)

// EngagementState holds the strike counters evaluated once per user turn.
// Anonymous guests keep it inside their DiscoveryContext; authenticated
// conversations persist it alongside the conversation row.
type EngagementState struct {
	NonEngagementStrikes int `json:"non_engagement_strikes"`
	HonestAttemptStrikes int `json:"honest_attempt_strikes"`
	InvalidNameCount     int `json:"invalid_name_count"`
}

// ConversationDepth is a bounded, time-decaying score in [0,1].
type ConversationDepth struct {
	Value         float64   `json:"value"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
	Enabled       bool      `json:"enabled"`
}

// NewConversationDepth returns the initial depth of a fresh conversation.
func NewConversationDepth(now time.Time) ConversationDepth {
	return ConversationDepth{Value: 0, LastUpdatedAt: now, Enabled: true}
}

// Conversation is an authenticated chat thread.
type Conversation struct {
	ID              string            `json:"id"`
	UserID          string            `json:"user_id"`
	Mode            string            `json:"mode"`
	CapturedName    string            `json:"captured_name,omitempty"`
	CapturedIntent  string            `json:"captured_intent,omitempty"`
	Engagement      EngagementState   `json:"engagement"`
	// MessageHistory holds the last MaxMessageHistory user messages, oldest first.
	MessageHistory  []string          `json:"-"`
	RepetitionCount int               `json:"repetition_count"`
	TurnCount       int               `json:"turn_count"`
	Depth           ConversationDepth `json:"depth"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}
