// Package discovery extracts name and intent signals from guest messages and
// merges them into a DiscoveryContext.
package discovery

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// MaxCapturedLength is the longest captured value kept verbatim.
	MaxCapturedLength = 256
	truncatedLength   = 253
	ellipsis          = "..."

	maxNameLength = 40
	maxNameWords  = 4
)

// Signals is the result of a single extraction.
type Signals struct {
	Name              string `json:"captured_name,omitempty"`
	Intent            string `json:"captured_intent,omitempty"`
	InvalidNameFormat bool   `json:"invalid_name_format"`
}

// Engaged reports whether a valid name or intent was captured.
func (s Signals) Engaged() bool {
	return s.Name != "" || s.Intent != ""
}

type namePattern struct {
	re *regexp.Regexp
	// loose patterns ("I'm X") also match ordinary sentences, so their
	// candidates are checked against nonNames.
	loose bool
}

// namePatterns capture everything after an introduction up to a clause
// boundary. Word-count and length checks happen afterwards so over-long
// candidates can be flagged rather than silently ignored.
var namePatterns = []namePattern{
	{re: regexp.MustCompile(`(?i)\bmy name(?:'s| is)\s+(.+?)(?:\s+and\b|[.,!?;]|$)`)},
	{re: regexp.MustCompile(`(?i)\bcall me\s+(.+?)(?:\s+and\b|[.,!?;]|$)`)},
	{re: regexp.MustCompile(`(?i)\bthe name(?:'s| is)\s+(.+?)(?:\s+and\b|[.,!?;]|$)`)},
	{re: regexp.MustCompile(`(?i)\bthis is\s+([a-z][\w'-]*(?:\s+[a-z][\w'-]*){0,3})(?:\s+and\b|[.,!?;]|$)`), loose: true},
	{re: regexp.MustCompile(`(?i)^(?:hi|hello|hey)?[,!\s]*(?:i'm|i am|im)\s+([a-z][\w'-]*(?:\s+[a-z][\w'-]*)*?)(?:\s+and\b|[.,!?;]|$)`), loose: true},
}

// intentPatterns capture the rest of a purpose clause up to terminal punctuation.
var intentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:i'm|i am|im)\s+here\s+((?:to|for|because)\b[^.!?]+)`),
	regexp.MustCompile(`(?i)\bi\s+(?:need|want|would like)\s+(help\s+with\b[^.!?]+)`),
	regexp.MustCompile(`(?i)\bi(?:'m| am)?\s+(?:struggling|dealing|having trouble)\s+(with\b[^.!?]+)`),
	regexp.MustCompile(`(?i)\bi(?:'m| am)\s+looking\s+(for\b[^.!?]+)`),
	regexp.MustCompile(`(?i)\bi\s+(?:want|need)\s+to\s+([^.!?]+)`),
	regexp.MustCompile(`(?i)\bcan you help me\s+([^.!?]+)`),
}

// Words that follow "I'm" without being names.
var nonNames = map[string]bool{
	"here": true, "not": true, "so": true, "just": true, "really": true, "very": true,
	"struggling": true, "looking": true, "trying": true, "feeling": true, "going": true,
	"a": true, "an": true, "the": true, "fine": true, "good": true, "ok": true, "okay": true,
	"tired": true, "stuck": true, "sad": true, "new": true, "having": true, "dealing": true,
	"bored": true, "happy": true, "confused": true, "lost": true, "interested": true,
	"curious": true, "wondering": true, "from": true, "in": true, "at": true, "on": true,
	"with": true, "done": true, "sure": true, "sorry": true, "well": true,
	"ready": true, "back": true, "still": true, "also": true, "glad": true, "excited": true,
	"thinking": true, "working": true, "learning": true, "about": true,
}

// Extract pulls a name and an intent out of message. It is pure and never
// fails: malformed input yields empty Signals.
func Extract(message string) (sig Signals) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Signal extraction failed, treating as no capture", "panic", r)
			sig = Signals{}
		}
	}()

	if !utf8.ValidString(message) {
		message = strings.ToValidUTF8(message, "")
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return Signals{}
	}

	sig.Name, sig.InvalidNameFormat = extractName(message)
	sig.Intent = extractIntent(message)
	return sig
}

func extractName(message string) (string, bool) {
	for _, p := range namePatterns {
		m := p.re.FindStringSubmatch(message)
		if m == nil {
			continue
		}
		candidate := strings.Trim(strings.TrimSpace(m[1]), `"'`)
		if candidate == "" {
			continue
		}
		words := strings.Fields(candidate)
		if p.loose && notAName(words[0]) {
			continue
		}
		if len(words) > maxNameWords || utf8.RuneCountInString(candidate) > maxNameLength {
			return "", true
		}
		return Sanitize(strings.Join(words, " ")), false
	}
	return "", false
}

// notAName reports whether the first word after a loose introduction
// describes a state rather than naming someone.
func notAName(word string) bool {
	lw := strings.ToLower(word)
	if nonNames[lw] {
		return true
	}
	// lowercase participles: "worried", "thinking"
	return word == lw && len(lw) > 4 && (strings.HasSuffix(lw, "ing") || strings.HasSuffix(lw, "ed"))
}

func extractIntent(message string) string {
	for _, re := range intentPatterns {
		m := re.FindStringSubmatch(message)
		if m == nil {
			continue
		}
		intent := strings.TrimSpace(strings.TrimRight(m[1], " ,;:"))
		if intent != "" {
			return Sanitize(intent)
		}
	}
	return ""
}

// Sanitize truncates s to MaxCapturedLength runes, replacing the tail with an
// ellipsis marker when it is cut.
func Sanitize(s string) string {
	if utf8.RuneCountInString(s) <= MaxCapturedLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:truncatedLength]) + ellipsis
}
