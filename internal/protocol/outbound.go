package protocol

import (
	"time"

	"github.com/google/uuid"

	"chat_relay/internal/domain"
)

type UserPresence struct {
	UserID string `json:"userId"`
}

type MessageError struct {
	Reason      string `json:"reason"`
	LocalTempID string `json:"localTempId,omitempty"`
}

// MessageDelivered settles a sent message. Delivered is false when the
// receiver was offline at send time; a later sync sends it again as true.
type MessageDelivered struct {
	MessageID   uuid.UUID  `json:"messageId"`
	Delivered   bool       `json:"delivered"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	LocalTempID string     `json:"localTempId,omitempty"`
}

type MessagesRead struct {
	ChannelID      string      `json:"channelId"`
	ConversationID uuid.UUID   `json:"conversationId"`
	ReaderID       string      `json:"readerId"`
	MessageIDs     []uuid.UUID `json:"messageIds"`
	ReadAt         time.Time   `json:"readAt"`
}

type OfflineBatch struct {
	Messages []*domain.Message `json:"messages"`
}

type IncomingCall struct {
	CallID        uuid.UUID `json:"callId"`
	CallerName    string    `json:"callerName"`
	CallerID      string    `json:"callerId"`
	ChannelID     string    `json:"channelId"`
	Credential    string    `json:"credential"`
	LocalIdentity uint32    `json:"localIdentity"`
}

// CallCredential is sent with callInitiated and callAccepted.
type CallCredential struct {
	CallID        uuid.UUID `json:"callId"`
	ChannelID     string    `json:"channelId"`
	PeerID        string    `json:"peerId"`
	Credential    string    `json:"credential"`
	LocalIdentity uint32    `json:"localIdentity"`
}

type CallSignal struct {
	FromID string `json:"fromId,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type CallUnavailable struct {
	CalleeID string `json:"calleeId,omitempty"`
	Reason   string `json:"reason"`
}

type CallTimeout struct {
	CallID    uuid.UUID `json:"callId"`
	ChannelID string    `json:"channelId"`
	CalleeID  string    `json:"calleeId"`
}

type Ack struct {
	OK      bool            `json:"ok"`
	Message *domain.Message `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type ErrorPayload struct {
	Event  string `json:"event,omitempty"`
	Reason string `json:"reason"`
}

// Reasons carried by callUnavailable and callEnded.
const (
	ReasonOffline         = "offline"
	ReasonBusy            = "busy"
	ReasonNoSuchCall      = "no_such_call"
	ReasonCallerOffline   = "caller_offline"
	ReasonTimeout         = "timeout"
	ReasonCallerCancelled = "caller_cancelled"
	ReasonHangup          = "hangup"
	ReasonPeerOffline     = "peer_offline"
)

func NewEvent(event string, data interface{}) Outbound {
	return Outbound{Event: event, Data: data}
}

func NewAck(ackID string, ack Ack) Outbound {
	return Outbound{Event: EventAck, AckID: ackID, Data: ack}
}

func NewError(event, reason string) Outbound {
	return Outbound{Event: EventError, Data: ErrorPayload{Event: event, Reason: reason}}
}
