package chat

import (
	"context"
	"time"

	"github.com/google/uuid"

	"chat_relay/internal/domain"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

func (s *Service) Conversations(ctx context.Context, userID string) ([]*domain.ConversationSummary, error) {
	return s.store.ListConversations(ctx, userID)
}

// History returns a page of the conversation, oldest first, for one of its
// participants.
func (s *Service) History(ctx context.Context, conversationID uuid.UUID, userID string, before *time.Time, limit int) ([]*domain.Message, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return s.store.ListMessages(ctx, conversationID, before, limit)
}

func (s *Service) Undelivered(ctx context.Context, userID string) ([]*domain.Message, error) {
	return s.store.UndeliveredFor(ctx, userID)
}
