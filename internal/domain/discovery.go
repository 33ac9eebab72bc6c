package domain

import (
	"time"
)

// MaxMessageHistory bounds DiscoveryContext.MessageHistory.
const MaxMessageHistory = 5

// RateWindow is a fixed quota window for one client key.
type RateWindow struct {
	Count       int       `json:"count"`
	WindowStart time.Time `json:"window_start"`
}

// Elapsed reports whether the window is older than length at now.
func (w RateWindow) Elapsed(now time.Time, length time.Duration) bool {
	return now.Sub(w.WindowStart) > length
}

// ResetAt returns the instant the window stops counting.
func (w RateWindow) ResetAt(length time.Duration) time.Time {
	return w.WindowStart.Add(length)
}

// DiscoveryContext is the mutable funnel state attached to an anonymous
// guest's RateWindow. It lives and dies with the window.
type DiscoveryContext struct {
	CapturedName    string          `json:"captured_name,omitempty"`
	CapturedIntent  string          `json:"captured_intent,omitempty"`
	MessageHistory  []string        `json:"message_history,omitempty"`
	Engagement      EngagementState `json:"engagement"`
	RepetitionCount int             `json:"repetition_count"`
}

// AppendHistory adds msg to the FIFO history, evicting the oldest entries
// beyond MaxMessageHistory.
func (c *DiscoveryContext) AppendHistory(msg string) {
	c.MessageHistory = append(c.MessageHistory, msg)
	if over := len(c.MessageHistory) - MaxMessageHistory; over > 0 {
		trimmed := make([]string, MaxMessageHistory)
		copy(trimmed, c.MessageHistory[over:])
		c.MessageHistory = trimmed
	}
}

// Clone returns a deep copy safe to hand outside a store lock.
func (c DiscoveryContext) Clone() DiscoveryContext {
	out := c
	if c.MessageHistory != nil {
		out.MessageHistory = append([]string(nil), c.MessageHistory...)
	}
	return out
}
