package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"chat_relay/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Store is the persistent source of truth for conversations and messages.
// Every flag transition re-checks the current flag in its predicate, so the
// returned slices hold exactly the rows this call flipped.
type Store interface {
	// FindOrCreateConversation returns the single conversation of the
	// unordered pair, creating it if needed. Safe under concurrent callers.
	FindOrCreateConversation(ctx context.Context, a, b string) (*domain.Conversation, error)
	GetConversation(ctx context.Context, id uuid.UUID) (*domain.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]*domain.ConversationSummary, error)

	// CreateMessage persists msg undelivered and unread, and moves the
	// conversation's last message pointer and the receiver's unread count.
	CreateMessage(ctx context.Context, msg *domain.Message) error
	MarkDelivered(ctx context.Context, ids []uuid.UUID, at time.Time) ([]*domain.Message, error)
	MarkRead(ctx context.Context, conversationID uuid.UUID, readerID string, at time.Time) ([]*domain.Message, error)

	// UndeliveredFor returns messages addressed to userID not yet delivered,
	// oldest first.
	UndeliveredFor(ctx context.Context, userID string) ([]*domain.Message, error)
	// ListMessages returns up to limit messages older than before (all when
	// nil), oldest first.
	ListMessages(ctx context.Context, conversationID uuid.UUID, before *time.Time, limit int) ([]*domain.Message, error)

	GetUser(ctx context.Context, id string) (*domain.User, error)
	EnsureUser(ctx context.Context, id string) error
}
