package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

type RegisterPayload struct {
	UserID string `json:"userId"`
}

// UserClaim reads the optional user id carried by register and
// reconnectSync. Data may be absent, a bare JSON string or a RegisterPayload.
func UserClaim(env Envelope) (string, error) {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return "", nil
	}
	var id string
	if err := json.Unmarshal(env.Data, &id); err == nil {
		return id, nil
	}
	var p RegisterPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrMalformed, env.Event, err)
	}
	return p.UserID, nil
}

type ChannelPayload struct {
	ChannelID string `json:"channelId"`
}

func (p *ChannelPayload) Validate() error {
	if p.ChannelID == "" {
		return errors.New("channelId is required")
	}
	return nil
}

type MessageFields struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Text       string `json:"text"`
}

// SendMessagePayload is only structurally checked here. Field level rules
// (empty text, missing ids) belong to the message pipeline so they surface as
// messageError rather than a protocol error.
type SendMessagePayload struct {
	ChannelID   string         `json:"channelId"`
	Message     *MessageFields `json:"message"`
	LocalTempID string         `json:"localTempId,omitempty"`
}

func (p *SendMessagePayload) Validate() error {
	if p.Message == nil {
		return errors.New("message is required")
	}
	return nil
}

type MarkReadPayload struct {
	ChannelID string `json:"channelId"`
	ReaderID  string `json:"readerId"`
}

func (p *MarkReadPayload) Validate() error {
	if p.ChannelID == "" {
		return errors.New("channelId is required")
	}
	return nil
}

type InitiateCallPayload struct {
	ChannelID  string `json:"channelId"`
	CallerID   string `json:"callerId"`
	CallerName string `json:"callerName"`
	CalleeID   string `json:"calleeId"`
}

func (p *InitiateCallPayload) Validate() error {
	if p.ChannelID == "" || p.CalleeID == "" {
		return errors.New("channelId and calleeId are required")
	}
	return nil
}

type AcceptCallPayload struct {
	ChannelID     string `json:"channelId"`
	CallerID      string `json:"callerId"`
	CalleeLocalID uint32 `json:"calleeLocalId"`
}

func (p *AcceptCallPayload) Validate() error {
	if p.ChannelID == "" || p.CallerID == "" {
		return errors.New("channelId and callerId are required")
	}
	return nil
}

type TargetPayload struct {
	TargetID string `json:"targetId"`
}

func (p *TargetPayload) Validate() error {
	if p.TargetID == "" {
		return errors.New("targetId is required")
	}
	return nil
}
