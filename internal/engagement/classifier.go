package engagement

import (
	"regexp"
	"strings"
	"unicode"
)

// Honesty is a classifier's opinion on whether a silent turn was a genuine attempt.
type Honesty int

const (
	// HonestyUnknown defers to the state machine's benefit-of-the-doubt rule.
	HonestyUnknown Honesty = iota
	// HonestyHonest marks a genuine attempt that simply captured nothing.
	HonestyHonest
	// HonestyNotHonest marks a turn that is clearly not engaging.
	HonestyNotHonest
)

// Strike weights.
const (
	WeightMinor      = 1 // minor or playful
	WeightDismissive = 2
	WeightNotTrying  = 3 // clearly not trying
)

// Verdict is a classifier's assessment of a single turn.
type Verdict struct {
	Weight  int
	Honesty Honesty
}

// Classifier rates a turn that captured no signal. Implementations may be
// pure heuristics or model assisted; the state machine only sees the Verdict.
type Classifier interface {
	Classify(message string, history []string, turn int) Verdict
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(message string, history []string, turn int) Verdict

// Classify calls f.
func (f ClassifierFunc) Classify(message string, history []string, turn int) Verdict {
	return f(message, history, turn)
}

var (
	dismissivePattern = regexp.MustCompile(`(?i)^(no+|nope|nah|idk|dunno|whatever|who cares|none of your business|not telling|why do you care|stop|meh|k|ok+|sure)[.!?]*$`)
	hostilePattern    = regexp.MustCompile(`(?i)\b(shut up|go away|you suck|this is stupid|stupid bot|f+u+c*k+|screw you)\b`)
	playfulPattern    = regexp.MustCompile(`(?i)^(lol+|lmao|haha+|hehe+|xd|:\)|:p|;\))[.!?]*$`)
)

// HeuristicClassifier is the default pattern-based Classifier.
type HeuristicClassifier struct{}

// Classify maps common non-engagement shapes to strike weights.
func (HeuristicClassifier) Classify(message string, history []string, _ int) Verdict {
	msg := strings.TrimSpace(message)

	switch {
	case msg == "":
		return Verdict{Weight: WeightNotTrying, Honesty: HonestyNotHonest}
	case hostilePattern.MatchString(msg):
		return Verdict{Weight: WeightNotTrying, Honesty: HonestyNotHonest}
	case isGibberish(msg):
		return Verdict{Weight: WeightNotTrying, Honesty: HonestyNotHonest}
	case repeatsLast(msg, history):
		return Verdict{Weight: WeightDismissive, Honesty: HonestyNotHonest}
	case dismissivePattern.MatchString(msg):
		return Verdict{Weight: WeightDismissive, Honesty: HonestyNotHonest}
	case playfulPattern.MatchString(msg):
		return Verdict{Weight: WeightMinor, Honesty: HonestyUnknown}
	case strings.Contains(msg, "?") || len(strings.Fields(msg)) >= 5:
		return Verdict{Weight: WeightMinor, Honesty: HonestyHonest}
	default:
		return Verdict{Weight: WeightMinor, Honesty: HonestyUnknown}
	}
}

func repeatsLast(msg string, history []string) bool {
	if len(history) == 0 {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(history[len(history)-1]), msg)
}

// isGibberish flags keyboard mashing: no vowels in a long letter run, or
// almost no letters at all.
func isGibberish(msg string) bool {
	letters, vowels, other := 0, 0, 0
	for _, r := range strings.ToLower(msg) {
		switch {
		case unicode.IsLetter(r):
			letters++
			if strings.ContainsRune("aeiouy", r) {
				vowels++
			}
		case unicode.IsSpace(r):
		default:
			other++
		}
	}
	if letters >= 5 && vowels == 0 {
		return true
	}
	return letters == 0 && other >= 3
}
