// Package completion talks to the chat-completion service that produces
// assistant replies.
package completion

import (
	"context"
	"errors"
)

// Conversation modes understood by the completion prompts.
const (
	ModeDiscovery = "discovery"
	ModeCoach     = "coach"
	modeRating    = "depth_rating"
)

var (
	// ErrEmptyReply is returned when the service answers without content.
	ErrEmptyReply = errors.New("completion returned no content")
	// ErrNotConfigured is returned by Disabled.
	ErrNotConfigured = errors.New("completion service not configured")
)

// Request is one completion call.
type Request struct {
	Message string
	Mode    string
	// History holds earlier user messages, oldest first.
	History []string
	// Context is prepended to the conversation as system guidance.
	Context string
}

// Reply is the assistant's answer.
type Reply struct {
	Text   string `json:"text"`
	Tokens int    `json:"tokens"`
}

// Client produces completions.
type Client interface {
	Complete(ctx context.Context, req Request) (Reply, error)
}

// Disabled is the Client used when no backend is configured.
type Disabled struct{}

// Complete always fails with ErrNotConfigured.
func (Disabled) Complete(context.Context, Request) (Reply, error) {
	return Reply{}, ErrNotConfigured
}
