// Package domain contains core domain types for the guestgate service.
package domain

import (
	"time"
)

// Phase is a user's position in the discovery → strategy → action funnel.
type Phase string

const (
	// PhaseDiscovery is the initial phase for every user.
	PhaseDiscovery Phase = "discovery"
	// PhaseStrategy is reached once name, intent and silo focus are all known.
	PhaseStrategy Phase = "strategy"
	// PhaseAction is reached once the user signals readiness to act.
	PhaseAction Phase = "action"
)

// Rank orders phases so callers can compare progress. Unknown phases rank as discovery.
func (p Phase) Rank() int {
	switch p {
	case PhaseStrategy:
		return 1
	case PhaseAction:
		return 2
	default:
		return 0
	}
}

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	return p == PhaseDiscovery || p == PhaseStrategy || p == PhaseAction
}

// ClarityMetrics are the per-turn signals that drive phase transitions.
type ClarityMetrics struct {
	NameCaptured        bool    `json:"name_captured"`
	IntentCaptured      bool    `json:"intent_captured"`
	SiloFocusIdentified bool    `json:"silo_focus_identified"`
	TopicClarityScore   float64 `json:"topic_clarity_score"`
	ActionReadiness     bool    `json:"action_readiness"`
}

// PhaseState is the persisted phase of a user plus the metrics of the latest turn.
type PhaseState struct {
	UserID    string         `json:"user_id"`
	Phase     Phase          `json:"phase"`
	Metrics   ClarityMetrics `json:"clarity_metrics"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// User represents an authenticated user known to the service.
type User struct {
	UserID    string     `json:"user_id"`
	Phase     PhaseState `json:"phase"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
