package engagement

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashureev/guestgate/internal/domain"
)

func fixed(v Verdict) Classifier {
	return ClassifierFunc(func(string, []string, int) Verdict { return v })
}

func TestEvaluateEngagedResetsCounters(t *testing.T) {
	m := NewMachine(nil, 3, 5)
	state := domain.EngagementState{NonEngagementStrikes: 2, HonestAttemptStrikes: 4, InvalidNameCount: 1}

	out := m.Evaluate(state, Input{Engaged: true, Message: "I'm Bob"})

	assert.Equal(t, domain.EngagementState{}, out.State)
	assert.False(t, out.Failsafe)
	assert.True(t, out.Honest)
}

func TestEvaluateEngagedClearsFailsafe(t *testing.T) {
	m := NewMachine(nil, 3, 5)
	state := domain.EngagementState{NonEngagementStrikes: 5}
	assert.True(t, m.Failsafe(state))

	out := m.Evaluate(state, Input{Engaged: true})
	assert.False(t, out.Failsafe)
}

func TestEvaluateInvalidNameFirstIsFree(t *testing.T) {
	m := NewMachine(fixed(Verdict{Weight: 3, Honesty: HonestyNotHonest}), 3, 5)

	out := m.Evaluate(domain.EngagementState{}, Input{InvalidNameFormat: true})
	assert.Equal(t, 0, out.State.NonEngagementStrikes)
	assert.Equal(t, 1, out.State.InvalidNameCount)
	assert.Equal(t, 0, out.Weight)

	out = m.Evaluate(out.State, Input{InvalidNameFormat: true})
	assert.Equal(t, 1, out.State.NonEngagementStrikes)
	assert.Equal(t, 2, out.State.InvalidNameCount)
	assert.Equal(t, 1, out.Weight)

	out = m.Evaluate(out.State, Input{InvalidNameFormat: true})
	assert.Equal(t, 2, out.State.NonEngagementStrikes)
}

func TestEvaluateInvalidNameCountIsConsecutive(t *testing.T) {
	m := NewMachine(fixed(Verdict{Honesty: HonestyHonest}), 3, 5)

	out := m.Evaluate(domain.EngagementState{}, Input{InvalidNameFormat: true})
	out = m.Evaluate(out.State, Input{Message: "hmm"})
	assert.Equal(t, 0, out.State.InvalidNameCount)

	out = m.Evaluate(out.State, Input{InvalidNameFormat: true})
	assert.Equal(t, 0, out.State.NonEngagementStrikes)
}

func TestEvaluateThreeDismissiveTurnsTripFailsafe(t *testing.T) {
	m := NewMachine(fixed(Verdict{Weight: 1, Honesty: HonestyNotHonest}), 3, 5)

	var out Outcome
	state := domain.EngagementState{}
	for i := 1; i <= 3; i++ {
		out = m.Evaluate(state, Input{Message: "no", Turn: i})
		state = out.State
		assert.Equal(t, i, state.NonEngagementStrikes)
		assert.Equal(t, i == 3, out.Failsafe, "turn %d", i)
	}
}

func TestEvaluateWeightIsClamped(t *testing.T) {
	m := NewMachine(fixed(Verdict{Weight: 10, Honesty: HonestyNotHonest}), 3, 5)
	out := m.Evaluate(domain.EngagementState{}, Input{Message: "asdfgh"})
	assert.Equal(t, 3, out.Weight)
	assert.True(t, out.Failsafe)

	m = NewMachine(fixed(Verdict{Weight: 0, Honesty: HonestyNotHonest}), 3, 5)
	out = m.Evaluate(domain.EngagementState{}, Input{Message: "no"})
	assert.Equal(t, 1, out.Weight)
}

func TestEvaluateUnknownHonestyUsesStateRule(t *testing.T) {
	m := NewMachine(fixed(Verdict{Weight: 2, Honesty: HonestyUnknown}), 3, 5)

	// No strikes yet: benefit of the doubt.
	out := m.Evaluate(domain.EngagementState{}, Input{Message: "hmm"})
	assert.True(t, out.Honest)
	assert.Equal(t, 1, out.State.HonestAttemptStrikes)

	// Already striking with no honest credit: weight applies.
	out = m.Evaluate(domain.EngagementState{NonEngagementStrikes: 1}, Input{Message: "hmm"})
	assert.False(t, out.Honest)
	assert.Equal(t, 3, out.State.NonEngagementStrikes)
	assert.True(t, out.Failsafe)
}

func TestEvaluateHonestAttemptsAreCapped(t *testing.T) {
	m := NewMachine(fixed(Verdict{Honesty: HonestyHonest}), 3, 5)
	state := domain.EngagementState{}
	for range 8 {
		state = m.Evaluate(state, Input{Message: "I'm not sure how to say it"}).State
	}
	assert.Equal(t, 5, state.HonestAttemptStrikes)
	assert.Equal(t, 0, state.NonEngagementStrikes)
}

func TestHeuristicClassifier(t *testing.T) {
	c := HeuristicClassifier{}
	tests := []struct {
		msg     string
		history []string
		weight  int
		honesty Honesty
	}{
		{"", nil, WeightNotTrying, HonestyNotHonest},
		{"shut up", nil, WeightNotTrying, HonestyNotHonest},
		{"sdfghjkl", nil, WeightNotTrying, HonestyNotHonest},
		{"idk", nil, WeightDismissive, HonestyNotHonest},
		{"whatever!", nil, WeightDismissive, HonestyNotHonest},
		{"hmm", []string{"hmm"}, WeightDismissive, HonestyNotHonest},
		{"lol", nil, WeightMinor, HonestyUnknown},
		{"what do you do here?", nil, WeightMinor, HonestyHonest},
		{"hmm", nil, WeightMinor, HonestyUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			v := c.Classify(tt.msg, tt.history, 1)
			assert.Equal(t, tt.weight, v.Weight)
			assert.Equal(t, tt.honesty, v.Honesty)
		})
	}
}
