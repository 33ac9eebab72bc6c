package depth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var testScorerConfig = ScorerConfig{
	MinLength:         20,
	ModelThreshold:    0.35,
	LongMessageLength: 280,
	RaterTimeout:      time.Second,
}

const deepMessage = "I feel stuck because I'm afraid my work has no meaning and I wonder why it matters?"

func constRater(v float64, calls *int) Rater {
	return RaterFunc(func(context.Context, string) (float64, error) {
		*calls++
		return v, nil
	})
}

func TestScoreBelowMinLength(t *testing.T) {
	calls := 0
	s := NewScorer(testScorerConfig, constRater(1, &calls))

	got := s.Score(context.Background(), "  hi there  ")
	assert.Equal(t, Score{}, got)
	assert.Zero(t, calls)
}

func TestScoreShallowSkipsModel(t *testing.T) {
	calls := 0
	s := NewScorer(testScorerConfig, constRater(1, &calls))

	got := s.Score(context.Background(), "tell me about the pricing")
	assert.False(t, got.ModelUsed)
	assert.Zero(t, calls)
	assert.Equal(t, got.Heuristic, got.Value)
	assert.Less(t, got.Value, 0.35)
}

func TestScoreBlendsModel(t *testing.T) {
	calls := 0
	s := NewScorer(testScorerConfig, constRater(1, &calls))

	got := s.Score(context.Background(), deepMessage)
	assert.True(t, got.ModelUsed)
	assert.Equal(t, 1, calls)
	assert.GreaterOrEqual(t, got.Heuristic, 0.35)
	assert.InDelta(t, 0.6*got.Heuristic+0.4, got.Value, 1e-9)
}

func TestScoreLongMessageUsesModel(t *testing.T) {
	calls := 0
	s := NewScorer(testScorerConfig, constRater(0, &calls))

	msg := strings.Repeat("the cat sat on the mat ", 14)
	got := s.Score(context.Background(), msg)
	assert.Less(t, got.Heuristic, 0.35)
	assert.True(t, got.ModelUsed)
	assert.InDelta(t, 0.6*got.Heuristic, got.Value, 1e-9)
}

func TestScoreModelFailureFallsBack(t *testing.T) {
	s := NewScorer(testScorerConfig, RaterFunc(func(context.Context, string) (float64, error) {
		return 0, errors.New("upstream down")
	}))

	got := s.Score(context.Background(), deepMessage)
	assert.True(t, got.ModelFailed)
	assert.Equal(t, FailureScore, got.Model)
	assert.InDelta(t, 0.6*got.Heuristic+0.4*FailureScore, got.Value, 1e-9)
}

func TestScoreModelTimeoutFallsBack(t *testing.T) {
	cfg := testScorerConfig
	cfg.RaterTimeout = 10 * time.Millisecond
	s := NewScorer(cfg, RaterFunc(func(ctx context.Context, _ string) (float64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}))

	got := s.Score(context.Background(), deepMessage)
	assert.True(t, got.ModelFailed)
	assert.Equal(t, FailureScore, got.Model)
}

func TestScoreWithoutRater(t *testing.T) {
	s := NewScorer(testScorerConfig, nil)
	got := s.Score(context.Background(), deepMessage)
	assert.False(t, got.ModelUsed)
	assert.Equal(t, got.Heuristic, got.Value)
}

func TestHeuristicRange(t *testing.T) {
	assert.Zero(t, Heuristic(""))
	assert.Zero(t, Heuristic("!!!"))
	deep := Heuristic(deepMessage)
	shallow := Heuristic("what is the price of the plan")
	assert.Greater(t, deep, shallow)
	assert.LessOrEqual(t, deep, 1.0)
}
