// Package push hands out-of-band notifications for offline receivers to a
// delivery backend. Delivery is best effort: failures are logged and never
// reach the message send path.
package push

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/op/go-logging"

	"chat_relay/internal/broker"
	"chat_relay/internal/domain"
)

var log = logging.MustGetLogger("push")

const DefaultTitle = "New Message"

type Notification struct {
	UserID         string      `json:"user_id"`
	Title          string      `json:"title"`
	Body           string      `json:"body"`
	ConversationID uuid.UUID   `json:"conversation_id"`
	MessageID      uuid.UUID   `json:"message_id"`
	Sender         domain.User `json:"sender"`
}

type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

type publisher interface {
	PublishToExchange(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// BrokerSink publishes notifications to the push exchange, routed by
// receiver.
type BrokerSink struct {
	broker publisher
}

func NewBrokerSink(b publisher) *BrokerSink {
	return &BrokerSink{broker: b}
}

func RoutingKey(userID string) string {
	return fmt.Sprintf("user.%s", userID)
}

func (s *BrokerSink) Notify(ctx context.Context, n Notification) error {
	if err := s.broker.PublishToExchange(ctx, broker.ExchangePush, RoutingKey(n.UserID), n); err != nil {
		return fmt.Errorf("failed to publish push for %s: %w", n.UserID, err)
	}
	return nil
}

// LogSink only logs. Used when no broker is configured.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, n Notification) error {
	log.Infof("[PUSH] to %s from %s: %s", n.UserID, n.Sender.ID, n.Body)
	return nil
}
