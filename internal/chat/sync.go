package chat

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"chat_relay/internal/metrics"
	"chat_relay/internal/protocol"
)

// SyncUndelivered pushes the user's undelivered backlog to its live
// connections as one batch, then marks it delivered with a shared
// timestamp. Concurrent calls for the same user share one run, and a run
// over an empty backlog does nothing.
func (s *Service) SyncUndelivered(ctx context.Context, userID string) (int, error) {
	v, err, _ := s.syncs.Do(userID, func() (interface{}, error) {
		return s.syncUndelivered(ctx, userID)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (s *Service) syncUndelivered(ctx context.Context, userID string) (int, error) {
	pending, err := s.store.UndeliveredFor(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to load undelivered messages: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	if s.fanout.SendToUser(userID, protocol.NewEvent(protocol.EventOfflineMessageBatch, protocol.OfflineBatch{Messages: pending})) == 0 {
		// Gone again before the batch left; keep them for the next sync.
		return 0, nil
	}

	ids := make([]uuid.UUID, len(pending))
	for i, m := range pending {
		ids[i] = m.ID
	}
	at := s.now()
	flipped, err := s.store.MarkDelivered(ctx, ids, at)
	if err != nil {
		return 0, fmt.Errorf("failed to mark synced messages delivered: %w", err)
	}
	metrics.OfflineSynced.Add(float64(len(flipped)))
	log.Debugf("synced %d offline messages to %s", len(flipped), userID)

	for _, m := range flipped {
		s.fanout.SendToUser(m.SenderID, protocol.NewEvent(protocol.EventMessageDelivered, protocol.MessageDelivered{
			MessageID:   m.ID,
			Delivered:   true,
			DeliveredAt: &at,
		}))
	}
	return len(flipped), nil
}
