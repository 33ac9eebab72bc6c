package depth

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// Blend weights of the hybrid scorer.
const (
	heuristicWeight = 0.6
	modelWeight     = 0.4
	// FailureScore stands in for the model rating when it errors or times out.
	FailureScore = 0.5
)

// Rater asks a model how deep a message is, in [0,1].
type Rater interface {
	Rate(ctx context.Context, message string) (float64, error)
}

// ScorerConfig tunes the hybrid scorer.
type ScorerConfig struct {
	MinLength         int
	ModelThreshold    float64
	LongMessageLength int
	RaterTimeout      time.Duration
}

// Score is the result of scoring one turn.
type Score struct {
	Value       float64 `json:"value"`
	Heuristic   float64 `json:"heuristic"`
	Model       float64 `json:"model,omitempty"`
	ModelUsed   bool    `json:"model_used"`
	ModelFailed bool    `json:"model_failed,omitempty"`
}

// Scorer combines a pattern heuristic with an optional model rating.
type Scorer struct {
	cfg   ScorerConfig
	rater Rater
}

// NewScorer creates a Scorer. rater may be nil.
func NewScorer(cfg ScorerConfig, rater Rater) *Scorer {
	return &Scorer{cfg: cfg, rater: rater}
}

// Score rates message. It never fails: a rater error is replaced by
// FailureScore.
func (s *Scorer) Score(ctx context.Context, message string) Score {
	msg := strings.TrimSpace(message)
	length := utf8.RuneCountInString(msg)
	if length < s.cfg.MinLength {
		return Score{}
	}

	h := Heuristic(msg)
	out := Score{Value: h, Heuristic: h}

	long := s.cfg.LongMessageLength > 0 && length >= s.cfg.LongMessageLength
	if s.rater == nil || (h < s.cfg.ModelThreshold && !long) {
		return out
	}

	out.ModelUsed = true
	out.Model, out.ModelFailed = s.rate(ctx, msg)
	out.Value = clamp01(heuristicWeight*h + modelWeight*out.Model)
	return out
}

func (s *Scorer) rate(ctx context.Context, msg string) (float64, bool) {
	if s.cfg.RaterTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RaterTimeout)
		defer cancel()
	}

	m, err := s.rater.Rate(ctx, msg)
	if err != nil || math.IsNaN(m) {
		slog.Warn("Depth rater failed, using fallback score", "error", err)
		return FailureScore, true
	}
	return clamp01(m), false
}

var (
	reflectivePattern = regexp.MustCompile(`(?i)\b(feel|feeling|felt|because|reali[sz]e|afraid|scared|worried|struggl\w*|honestly|i think|i wonder|why|meaning|purpose|goal|value|hope|dream|fear|believe|matters?|important|understand|lost|stuck)\b`)
	firstPersonPattern = regexp.MustCompile(`(?i)\b(i|me|my|myself|i'm|i've|i'd)\b`)
	wordPattern        = regexp.MustCompile(`[\p{L}\p{N}']+`)
)

// Heuristic scores message by length, reflective vocabulary density, first
// person framing and self-inquiry.
func Heuristic(message string) float64 {
	words := wordPattern.FindAllString(message, -1)
	if len(words) == 0 {
		return 0
	}
	n := float64(len(words))

	lengthPart := math.Min(n/60, 1) * 0.3
	reflective := float64(len(reflectivePattern.FindAllString(message, -1)))
	reflectivePart := math.Min(reflective/4, 1) * 0.4
	firstPerson := float64(len(firstPersonPattern.FindAllString(message, -1)))
	firstPersonPart := math.Min(firstPerson/n*5, 1) * 0.2

	var inquiryPart float64
	if strings.Contains(message, "?") {
		inquiryPart = 0.1
	}

	return clamp01(lengthPart + reflectivePart + firstPersonPart + inquiryPart)
}

// RaterFunc adapts a function to Rater.
type RaterFunc func(ctx context.Context, message string) (float64, error)

// Rate calls f.
func (f RaterFunc) Rate(ctx context.Context, message string) (float64, error) {
	return f(ctx, message)
}
