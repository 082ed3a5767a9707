// Package chat implements the message pipeline: persisting sends, flipping
// delivery and read state, and notifying the live connections concerned.
//
// The store is always written before any client can observe a state, so a
// client never sees a message as delivered or read unless the stored row
// says so.
package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/op/go-logging"
	"golang.org/x/sync/singleflight"

	"chat_relay/internal/domain"
	"chat_relay/internal/metrics"
	"chat_relay/internal/protocol"
	"chat_relay/internal/push"
	"chat_relay/internal/repository"
)

var log = logging.MustGetLogger("chat")

var (
	ErrPersistFailed  = errors.New("message could not be stored")
	ErrNotParticipant = errors.New("user is not a participant of the conversation")
)

// Presence answers whether a user has a live connection on this node.
type Presence interface {
	IsOnline(userID string) bool
	UserOf(connID uuid.UUID) (string, bool)
}

type Options struct {
	MaxMessageLength int
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
	// PushTimeout bounds one push notification. Defaults to 5s.
	PushTimeout time.Duration
}

type Service struct {
	store    repository.Store
	presence Presence
	fanout   protocol.Fanout
	push     push.Sink
	text     *textPolicy
	now      func() time.Time
	pushTTL  time.Duration

	syncs singleflight.Group
}

func NewService(store repository.Store, presence Presence, fanout protocol.Fanout, sink push.Sink, opts Options) *Service {
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = domain.MaxMessageLength
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = 5 * time.Second
	}
	if sink == nil {
		sink = push.LogSink{}
	}
	return &Service{
		store:    store,
		presence: presence,
		fanout:   fanout,
		push:     sink,
		text:     newTextPolicy(opts.MaxMessageLength),
		now:      func() time.Time { return opts.Now().UTC() },
		pushTTL:  opts.PushTimeout,
	}
}

// SendRequest is one sendMessage from a connection.
type SendRequest struct {
	SenderID    string
	ReceiverID  string
	Text        string
	ChannelID   string
	LocalTempID string

	// ConnID is the sending connection. It gets errors, is skipped by the
	// channel broadcast and gets messageDelivered even before it registers.
	ConnID uuid.UUID
	// AuthUserID, when set, must equal SenderID.
	AuthUserID string
	// Ack runs once the message is stored and fanned out, before
	// messageDelivered.
	Ack func(*domain.Message)
}

// SendMessage validates, persists and fans out one message. Errors are
// also reported to the sending connection as messageError.
func (s *Service) SendMessage(ctx context.Context, req SendRequest) (*domain.Message, error) {
	if err := s.text.validate(&req); err != nil {
		metrics.MessageErrors.WithLabelValues("validation").Inc()
		s.reportError(req, err.(*ValidationError).Reason)
		return nil, err
	}

	conv, err := s.store.FindOrCreateConversation(ctx, req.SenderID, req.ReceiverID)
	if err != nil {
		return nil, s.persistFailed(req, err)
	}

	msg := &domain.Message{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		SenderID:       req.SenderID,
		ReceiverID:     req.ReceiverID,
		Body:           req.Text,
		CreatedAt:      s.now(),
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, s.persistFailed(req, err)
	}

	// Flip before any broadcast, so clients only ever see a stored state.
	if s.presence.IsOnline(req.ReceiverID) {
		flipped, err := s.store.MarkDelivered(ctx, []uuid.UUID{msg.ID}, s.now())
		if err != nil {
			// Stored and still undelivered; reconnect sync picks it up.
			log.Errorf("failed to mark message %s delivered: %v", msg.ID, err)
		} else if len(flipped) == 1 {
			msg.Delivered = true
			msg.DeliveredAt = flipped[0].DeliveredAt
		}
	}

	if msg.Delivered {
		metrics.Messages.WithLabelValues("delivered").Inc()
	} else {
		metrics.Messages.WithLabelValues("undelivered").Inc()
		s.notifyOffline(ctx, msg)
	}

	ev := protocol.NewEvent(protocol.EventReceiveMessage, msg)
	if req.ChannelID != "" {
		s.fanout.SendToChannel(req.ChannelID, ev, req.ConnID)
	}
	s.fanout.SendToUser(req.ReceiverID, ev)

	if req.Ack != nil {
		req.Ack(msg)
	}

	s.toSender(req, protocol.NewEvent(protocol.EventMessageDelivered, protocol.MessageDelivered{
		MessageID:   msg.ID,
		Delivered:   msg.Delivered,
		DeliveredAt: msg.DeliveredAt,
		LocalTempID: req.LocalTempID,
	}))
	return msg, nil
}

// toSender reaches every registered device of the sender plus the sending
// connection, which may not have registered yet.
func (s *Service) toSender(req SendRequest, ev protocol.Outbound) {
	s.fanout.SendToUser(req.SenderID, ev)
	if req.ConnID == uuid.Nil {
		return
	}
	if owner, ok := s.presence.UserOf(req.ConnID); !ok || owner != req.SenderID {
		s.fanout.SendToConn(req.ConnID, ev)
	}
}

func (s *Service) persistFailed(req SendRequest, err error) error {
	log.Errorf("failed to persist message from %s to %s: %v", req.SenderID, req.ReceiverID, err)
	metrics.MessageErrors.WithLabelValues("persistence").Inc()
	s.reportError(req, ErrPersistFailed.Error())
	return fmt.Errorf("%w: %v", ErrPersistFailed, err)
}

func (s *Service) reportError(req SendRequest, reason string) {
	if req.ConnID == uuid.Nil {
		return
	}
	s.fanout.SendToConn(req.ConnID, protocol.NewEvent(protocol.EventMessageError, protocol.MessageError{
		Reason:      reason,
		LocalTempID: req.LocalTempID,
	}))
}

// notifyOffline hands the message to the push sink without holding up the
// send. Failures are logged only.
func (s *Service) notifyOffline(ctx context.Context, msg *domain.Message) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, s.pushTTL)
		defer cancel()

		sender := domain.User{ID: msg.SenderID}
		if u, err := s.store.GetUser(ctx, msg.SenderID); err == nil {
			sender = *u
		} else if !errors.Is(err, repository.ErrNotFound) {
			log.Warningf("failed to load sender %s for push: %v", msg.SenderID, err)
		}

		err := s.push.Notify(ctx, push.Notification{
			UserID:         msg.ReceiverID,
			Title:          push.DefaultTitle,
			Body:           msg.Body,
			ConversationID: msg.ConversationID,
			MessageID:      msg.ID,
			Sender:         sender,
		})
		if err != nil {
			log.Warningf("push for message %s failed: %v", msg.ID, err)
			metrics.Pushes.WithLabelValues("failed").Inc()
			return
		}
		metrics.Pushes.WithLabelValues("queued").Inc()
	}()
}
