package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chat_relay/internal/metrics"
	"chat_relay/internal/protocol"
	"chat_relay/internal/repository"
)

type ReadReceipt struct {
	ConversationID uuid.UUID   `json:"conversationId"`
	ReaderID       string      `json:"readerId"`
	MessageIDs     []uuid.UUID `json:"messageIds"`
	SenderIDs      []string    `json:"senderIds"`
	ReadAt         time.Time   `json:"readAt"`
}

// MarkRead flips every unread message of the conversation addressed to
// readerID and notifies the original senders and the conversation channel.
// It returns nil when nothing was unread. channelID defaults to the
// conversation id.
func (s *Service) MarkRead(ctx context.Context, channelID string, conversationID uuid.UUID, readerID string) (*ReadReceipt, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	if !conv.HasParticipant(readerID) {
		return nil, ErrNotParticipant
	}

	flipped, err := s.store.MarkRead(ctx, conversationID, readerID, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to mark read: %w", err)
	}
	if len(flipped) == 0 {
		return nil, nil
	}

	receipt := &ReadReceipt{
		ConversationID: conversationID,
		ReaderID:       readerID,
		ReadAt:         *flipped[0].ReadAt,
	}
	seen := make(map[string]bool)
	for _, m := range flipped {
		receipt.MessageIDs = append(receipt.MessageIDs, m.ID)
		if !seen[m.SenderID] {
			seen[m.SenderID] = true
			receipt.SenderIDs = append(receipt.SenderIDs, m.SenderID)
		}
	}
	metrics.ReadReceipts.Add(float64(len(flipped)))

	if channelID == "" {
		channelID = conversationID.String()
	}
	ev := protocol.NewEvent(protocol.EventMessagesRead, protocol.MessagesRead{
		ChannelID:      channelID,
		ConversationID: conversationID,
		ReaderID:       readerID,
		MessageIDs:     receipt.MessageIDs,
		ReadAt:         receipt.ReadAt,
	})
	for _, sender := range receipt.SenderIDs {
		s.fanout.SendToUser(sender, ev)
	}
	s.fanout.SendToChannel(channelID, ev, uuid.Nil)
	return receipt, nil
}
