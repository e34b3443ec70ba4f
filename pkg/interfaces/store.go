package interfaces

import (
	"context"

	"duet/pkg/types"
)

// MessageStore is the durable chat log consumed by the relay and the HTTP layer
type MessageStore interface {
	// AppendMessage persists a new message and returns the stored record with
	// its assigned ID and Timestamp.
	AppendMessage(ctx context.Context, message *types.ChatMessage) (*types.ChatMessage, error)

	// UpdateMessage replaces a message body, marks it edited and returns the
	// stored record. Returns ErrMessageNotFound for unknown IDs.
	UpdateMessage(ctx context.Context, id, body string) (*types.ChatMessage, error)

	// GetMessage returns one message or ErrMessageNotFound
	GetMessage(ctx context.Context, id string) (*types.ChatMessage, error)

	// QueryRecent returns the most recent limit messages exchanged between
	// userA and userB, oldest first.
	QueryRecent(ctx context.Context, userA, userB string, limit int) ([]*types.ChatMessage, error)

	// QueryConversation returns every message exchanged between userA and userB, oldest first
	QueryConversation(ctx context.Context, userA, userB string) ([]*types.ChatMessage, error)

	// HealthCheck verifies store connectivity
	HealthCheck(ctx context.Context) error

	// Close releases store resources
	Close() error
}
