// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/guestgate/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Repository defines the interface for persisting users and conversations.
type Repository interface {
	// EnsureUser creates the user record if it does not exist yet.
	EnsureUser(ctx context.Context, userID string) error

	// CreateConversation inserts a new conversation.
	CreateConversation(ctx context.Context, conv *domain.Conversation) error

	// GetConversation returns the conversation or ErrNotFound.
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)

	// SaveConversationSignals persists captured metadata and engagement state.
	SaveConversationSignals(ctx context.Context, conv *domain.Conversation) error

	// LoadDepth returns the stored depth of a conversation.
	LoadDepth(ctx context.Context, conversationID string) (domain.ConversationDepth, error)

	// SaveDepth overwrites the stored depth of a conversation.
	SaveDepth(ctx context.Context, conversationID string, d domain.ConversationDepth) error

	// GetPhaseState returns the user's phase; found is false for unknown users.
	GetPhaseState(ctx context.Context, userID string) (domain.PhaseState, bool, error)

	// SavePhaseState upserts the user's phase.
	SavePhaseState(ctx context.Context, state domain.PhaseState) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
