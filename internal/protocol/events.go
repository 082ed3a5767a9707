// Package protocol defines the JSON frames exchanged over a relay websocket.
//
// Every frame is an Envelope naming the event. Inbound payloads are decoded
// into one fixed struct per event and validated before they reach the
// pipeline; outbound payloads are built from the structs in outbound.go.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Client to server.
const (
	EventRegister      = "register"
	EventJoinChannel   = "joinChannel"
	EventLeaveChannel  = "leaveChannel"
	EventSendMessage   = "sendMessage"
	EventMarkRead      = "markRead"
	EventReconnectSync = "reconnectSync"
	EventInitiateCall  = "initiateCall"
	EventAcceptCall    = "acceptCall"
	EventRejectCall    = "rejectCall"
	EventEndCall       = "endCall"
)

// Server to client.
const (
	EventUserOnline          = "userOnline"
	EventUserOffline         = "userOffline"
	EventReceiveMessage      = "receiveMessage"
	EventMessageError        = "messageError"
	EventMessageDelivered    = "messageDelivered"
	EventMessagesRead        = "messagesRead"
	EventOfflineMessageBatch = "offlineMessageBatch"
	EventIncomingCall        = "incomingCall"
	EventCallInitiated       = "callInitiated"
	EventCallAccepted        = "callAccepted"
	EventCallRejected        = "callRejected"
	EventCallEnded           = "callEnded"
	EventCallUnavailable     = "callUnavailable"
	EventCallTimeout         = "callTimeout"
	EventAck                 = "ack"
	EventError               = "error"
)

var ErrMalformed = errors.New("malformed payload")

// Envelope is an inbound frame.
type Envelope struct {
	Event string          `json:"event"`
	AckID string          `json:"ackId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Outbound is a server frame. Data is marshalled as is.
type Outbound struct {
	Event string      `json:"event"`
	AckID string      `json:"ackId,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// Fanout delivers outbound frames to live connections. Implementations must
// not block on slow consumers.
type Fanout interface {
	SendToConn(connID uuid.UUID, ev Outbound) bool
	SendToUser(userID string, ev Outbound) int
	SendToChannel(channelID string, ev Outbound, except uuid.UUID) int
	Broadcast(ev Outbound) int
}

// ParseEnvelope decodes a raw frame.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == "" {
		return env, fmt.Errorf("%w: missing event name", ErrMalformed)
	}
	return env, nil
}

type validator interface {
	Validate() error
}

// Decode unmarshals the envelope's data into T and validates it.
func Decode[T any](env Envelope) (T, error) {
	var payload T
	if len(env.Data) == 0 {
		return payload, fmt.Errorf("%w: %s requires data", ErrMalformed, env.Event)
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return payload, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Event, err)
	}
	if v, ok := any(&payload).(validator); ok {
		if err := v.Validate(); err != nil {
			return payload, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Event, err)
		}
	}
	return payload, nil
}
