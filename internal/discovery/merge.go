package discovery

import (
	"strings"
	"unicode"

	"github.com/ashureev/guestgate/internal/domain"
)

const (
	repetitionLookback  = 3
	repetitionThreshold = 0.70
)

// MergeResult describes what a Merge changed.
type MergeResult struct {
	NameUpdated   bool
	IntentUpdated bool
	Repeated      bool
}

// Merge folds sig into dc and records message in its history.
//
// Captured fields are sticky: a non-empty extraction overwrites the stored
// value and an empty one never clears it. The message is compared with the
// last few stored messages before being appended; a match extends the
// repetition streak and anything else resets it.
func Merge(dc *domain.DiscoveryContext, sig Signals, message string) MergeResult {
	var res MergeResult
	if sig.Name != "" {
		res.NameUpdated = sig.Name != dc.CapturedName
		dc.CapturedName = sig.Name
	}
	if sig.Intent != "" {
		res.IntentUpdated = sig.Intent != dc.CapturedIntent
		dc.CapturedIntent = sig.Intent
	}

	res.Repeated = IsRepetition(message, dc.MessageHistory)
	if res.Repeated {
		dc.RepetitionCount++
	} else {
		dc.RepetitionCount = 0
	}

	dc.AppendHistory(message)
	return res
}

// IsRepetition reports whether message repeats one of the last three entries
// of history, either exactly (trimmed, case-folded) or with a token-set
// Jaccard similarity above 0.70.
func IsRepetition(message string, history []string) bool {
	current := normalize(message)
	currentTokens := tokenSet(current)

	start := max(len(history)-repetitionLookback, 0)
	for _, prev := range history[start:] {
		p := normalize(prev)
		if p == current {
			return true
		}
		if Jaccard(currentTokens, tokenSet(p)) > repetitionThreshold {
			return true
		}
	}
	return false
}

// Jaccard returns |a ∩ b| / |a ∪ b|, or 0 when both sets are empty.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}
