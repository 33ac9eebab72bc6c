// Package phase tracks each user's forward-only progress through the
// discovery, strategy and action funnel.
package phase

import (
	"regexp"
	"strings"

	"github.com/ashureev/guestgate/internal/discovery"
	"github.com/ashureev/guestgate/internal/domain"
)

// Recognized silo tags.
const (
	SiloSales     = "sales"
	SiloSpiritual = "spiritual"
	SiloEducation = "education"
)

var siloVocabulary = map[string]*regexp.Regexp{
	SiloSales: regexp.MustCompile(`(?i)\b(leads?|pipeline|prospects?|clients?|customers?|revenue|sales|closing|close rate|conversions?|pricing|offer|funnel|outreach|cold (?:calls?|emails?)|follow[- ]?ups?|objections?|quota|deals?)\b`),
	SiloSpiritual: regexp.MustCompile(`(?i)\b(spiritual\w*|faith|god|prayer|pray\w*|meditat\w*|soul|purpose|peace|gratitude|mindful\w*|calling|inner|divine|grace|scripture|presence|awaken\w*)\b`),
	SiloEducation: regexp.MustCompile(`(?i)\b(stud(?:y|ying|ies)|exams?|tests?|homework|course\w*|class(?:es)?|school|college|universit(?:y|ies)|degree|grades?|learn\w*|teachers?|tutor\w*|curriculum|lessons?|skills?)\b`),
}

var actionVocabulary = regexp.MustCompile(`(?i)\b(ready to (?:start|begin|go|commit|act)|let'?s (?:do (?:it|this)|start|begin|go)|i'?m ready|sign me up|what(?:'s| is) the (?:first|next) step|next steps?|start today|get started|commit(?:ted)? to|make a plan|action plan|how do i start|i will start|i'?ll start)\b`)

// Meta is discovery metadata already known for the conversation.
type Meta struct {
	Name   string
	Intent string
}

// KnownSilo reports whether silo has a vocabulary.
func KnownSilo(silo string) bool {
	_, ok := siloVocabulary[normalizeSilo(silo)]
	return ok
}

// ComputeClarity derives the clarity metrics of a turn from the message,
// the conversation's captured metadata and an optional silo tag. Silo focus
// is only evaluated, and only counts toward the clarity score, when the silo
// is recognized.
func ComputeClarity(message string, meta Meta, silo string) domain.ClarityMetrics {
	sig := discovery.Extract(message)

	m := domain.ClarityMetrics{
		NameCaptured:    meta.Name != "" || sig.Name != "",
		IntentCaptured:  meta.Intent != "" || sig.Intent != "",
		ActionReadiness: actionVocabulary.MatchString(message),
	}

	applicable, hits := 2, 0
	if m.NameCaptured {
		hits++
	}
	if m.IntentCaptured {
		hits++
	}
	if vocab, ok := siloVocabulary[normalizeSilo(silo)]; ok {
		applicable++
		m.SiloFocusIdentified = vocab.MatchString(message) || vocab.MatchString(meta.Intent)
		if m.SiloFocusIdentified {
			hits++
		}
	}
	m.TopicClarityScore = float64(hits) / float64(applicable)
	return m
}

// Next returns the phase after observing metrics in current. It never
// moves backwards and advances at most one stage per turn.
func Next(current domain.Phase, m domain.ClarityMetrics) domain.Phase {
	switch current {
	case domain.PhaseStrategy:
		if m.ActionReadiness {
			return domain.PhaseAction
		}
		return domain.PhaseStrategy
	case domain.PhaseAction:
		return domain.PhaseAction
	default:
		if m.NameCaptured && m.IntentCaptured && m.SiloFocusIdentified {
			return domain.PhaseStrategy
		}
		return domain.PhaseDiscovery
	}
}

func normalizeSilo(silo string) string {
	return strings.ToLower(strings.TrimSpace(silo))
}
