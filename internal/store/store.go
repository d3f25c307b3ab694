// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/relay-chat/internal/domain"
)

// Repository defines the durable, append-only message store and the
// read side of the user table.
type Repository interface {
	// GetUser retrieves a user by their user ID. Returns nil, nil when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// UserExists reports whether userID is a known identity.
	UserExists(ctx context.Context, userID string) (bool, error)

	// AppendMessage durably stores msg, assigning its ID and Seq.
	// Past messages are never modified.
	AppendMessage(ctx context.Context, msg *domain.Message) (string, error)

	// RangeMessages returns a page of a conversation. Offset counts back from
	// the newest message; the page itself is ordered oldest to newest.
	// Returns domain.ErrNotFound when the conversation has no rows at all.
	RangeMessages(ctx context.Context, conversationKey string, offset, limit int) ([]domain.Message, error)

	// LastMessage returns the newest message or domain.ErrNotFound.
	LastMessage(ctx context.Context, conversationKey string) (*domain.Message, error)

	// CountMessages returns the number of stored messages in a conversation.
	CountMessages(ctx context.Context, conversationKey string) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// reversePage flips a newest-first page into oldest-first order in place.
func reversePage(msgs []domain.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
