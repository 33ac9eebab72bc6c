// Package engagement implements the weighted strike state machine that
// decides when to stop serving an unengaged guest.
package engagement

import (
	"github.com/ashureev/guestgate/internal/domain"
)

// FailsafeMessage is returned instead of a completion once the failsafe fires.
const FailsafeMessage = "It looks like now might not be the right time for a deeper conversation, and that's okay. " +
	"When you're ready, create a free account and we can pick up right where you left off."

// Input is one turn as seen by the state machine.
type Input struct {
	// Engaged is true when a valid name or intent was captured this turn.
	Engaged           bool
	InvalidNameFormat bool
	Message           string
	History           []string
	Turn              int
}

// Outcome is the state after a turn plus the gate decision.
type Outcome struct {
	State    domain.EngagementState
	Failsafe bool
	// Weight is the strike weight applied this turn, 0 if none.
	Weight int
	Honest bool
}

// Machine evaluates EngagementState transitions.
type Machine struct {
	classifier        Classifier
	maxNonEngagement  int
	maxHonestAttempts int
}

// NewMachine creates a Machine. A nil classifier uses HeuristicClassifier.
func NewMachine(classifier Classifier, maxNonEngagement, maxHonestAttempts int) *Machine {
	if classifier == nil {
		classifier = HeuristicClassifier{}
	}
	return &Machine{
		classifier:        classifier,
		maxNonEngagement:  maxNonEngagement,
		maxHonestAttempts: maxHonestAttempts,
	}
}

// Evaluate applies one turn to state and re-evaluates the failsafe gate.
// The gate has no time-based reset; only an engaged turn clears it.
func (m *Machine) Evaluate(state domain.EngagementState, in Input) Outcome {
	out := Outcome{State: state}
	s := &out.State

	switch {
	case in.Engaged:
		s.NonEngagementStrikes = 0
		s.HonestAttemptStrikes = 0
		s.InvalidNameCount = 0
		out.Honest = true

	case in.InvalidNameFormat:
		// The first garbled name is free; consecutive repeats count.
		s.InvalidNameCount++
		if s.InvalidNameCount >= 2 {
			s.NonEngagementStrikes++
			out.Weight = 1
		}

	default:
		s.InvalidNameCount = 0
		verdict := m.classifier.Classify(in.Message, in.History, in.Turn)
		out.Honest = m.isHonest(state, verdict)
		if out.Honest {
			s.HonestAttemptStrikes = min(s.HonestAttemptStrikes+1, m.maxHonestAttempts)
		} else {
			out.Weight = clampWeight(verdict.Weight)
			s.NonEngagementStrikes += out.Weight
		}
	}

	out.Failsafe = m.Failsafe(*s)
	return out
}

// Failsafe reports whether state is at or past the strike limit.
func (m *Machine) Failsafe(state domain.EngagementState) bool {
	return state.NonEngagementStrikes >= m.maxNonEngagement
}

func (m *Machine) isHonest(state domain.EngagementState, v Verdict) bool {
	switch v.Honesty {
	case HonestyHonest:
		return true
	case HonestyNotHonest:
		return false
	default:
		return state.HonestAttemptStrikes > 0 || state.NonEngagementStrikes == 0
	}
}

func clampWeight(w int) int {
	return min(max(w, WeightMinor), WeightNotTrying)
}
