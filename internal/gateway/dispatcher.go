// Package gateway routes decoded websocket events to the presence, message
// and call components.
package gateway

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/op/go-logging"

	"chat_relay/internal/call"
	"chat_relay/internal/chat"
	"chat_relay/internal/domain"
	"chat_relay/internal/presence"
	"chat_relay/internal/protocol"
	"chat_relay/internal/repository"
	"chat_relay/internal/ws"
)

var log = logging.MustGetLogger("gateway")

var errUnknownEvent = errors.New("unknown event")

// Rooms is the channel membership side of the hub.
type Rooms interface {
	JoinChannel(c *ws.Client, channelID string)
	LeaveChannel(c *ws.Client, channelID string)
}

type Dispatcher struct {
	rooms       Rooms
	coordinator *presence.Coordinator
	chat        *chat.Service
	relay       *call.Relay
	users       repository.Store
}

func NewDispatcher(rooms Rooms, coordinator *presence.Coordinator, chatSvc *chat.Service, relay *call.Relay, users repository.Store) *Dispatcher {
	return &Dispatcher{
		rooms:       rooms,
		coordinator: coordinator,
		chat:        chatSvc,
		relay:       relay,
		users:       users,
	}
}

// HandleEvent runs on the connection's read goroutine, so one connection's
// events are handled in arrival order.
func (d *Dispatcher) HandleEvent(ctx context.Context, c *ws.Client, env protocol.Envelope) {
	var err error
	switch env.Event {
	case protocol.EventRegister:
		err = d.register(ctx, c, env)
	case protocol.EventJoinChannel:
		err = d.joinChannel(c, env)
	case protocol.EventLeaveChannel:
		err = d.leaveChannel(c, env)
	case protocol.EventSendMessage:
		err = d.sendMessage(ctx, c, env)
	case protocol.EventMarkRead:
		err = d.markRead(ctx, c, env)
	case protocol.EventReconnectSync:
		err = d.reconnectSync(ctx, c, env)
	case protocol.EventInitiateCall:
		err = d.initiateCall(ctx, c, env)
	case protocol.EventAcceptCall:
		err = d.acceptCall(ctx, c, env)
	case protocol.EventRejectCall:
		err = d.rejectCall(ctx, c, env)
	case protocol.EventEndCall:
		err = d.endCall(ctx, c, env)
	default:
		err = errUnknownEvent
	}
	if err != nil {
		d.fail(c, env, err)
	}
}

func (d *Dispatcher) Disconnected(c *ws.Client) {
	d.coordinator.Disconnect(context.Background(), c.ID)
}

func (d *Dispatcher) fail(c *ws.Client, env protocol.Envelope, err error) {
	log.Debugf("%s from conn=%s user=%s: %v", env.Event, c.ID, c.UserID, err)
	if env.AckID != "" {
		c.Reply(protocol.NewAck(env.AckID, protocol.Ack{OK: false, Error: err.Error()}))
	}
	c.Reply(protocol.NewError(env.Event, err.Error()))
}

func ok(c *ws.Client, env protocol.Envelope) {
	if env.AckID != "" {
		c.Reply(protocol.NewAck(env.AckID, protocol.Ack{OK: true}))
	}
}

func (d *Dispatcher) register(ctx context.Context, c *ws.Client, env protocol.Envelope) error {
	claimed, err := protocol.UserClaim(env)
	if err != nil {
		return err
	}
	if err := d.coordinator.Register(ctx, c.UserID, claimed, c.ID); err != nil {
		return err
	}
	if err := d.users.EnsureUser(ctx, c.UserID); err != nil {
		log.Warningf("failed to ensure user %s: %v", c.UserID, err)
	}
	ok(c, env)
	return nil
}

func (d *Dispatcher) joinChannel(c *ws.Client, env protocol.Envelope) error {
	p, err := protocol.Decode[protocol.ChannelPayload](env)
	if err != nil {
		return err
	}
	d.rooms.JoinChannel(c, p.ChannelID)
	ok(c, env)
	return nil
}

func (d *Dispatcher) leaveChannel(c *ws.Client, env protocol.Envelope) error {
	p, err := protocol.Decode[protocol.ChannelPayload](env)
	if err != nil {
		return err
	}
	d.rooms.LeaveChannel(c, p.ChannelID)
	ok(c, env)
	return nil
}

func (d *Dispatcher) sendMessage(ctx context.Context, c *ws.Client, env protocol.Envelope) error {
	p, err := protocol.Decode[protocol.SendMessagePayload](env)
	if err != nil {
		return err
	}
	_, err = d.chat.SendMessage(ctx, chat.SendRequest{
		SenderID:    p.Message.SenderID,
		ReceiverID:  p.Message.ReceiverID,
		Text:        p.Message.Text,
		ChannelID:   p.ChannelID,
		LocalTempID: p.LocalTempID,
		ConnID:      c.ID,
		AuthUserID:  c.UserID,
		Ack: func(msg *domain.Message) {
			if env.AckID != "" {
				c.Reply(protocol.NewAck(env.AckID, protocol.Ack{OK: true, Message: msg}))
			}
		},
	})
	if err != nil && env.AckID != "" {
		// messageError already went out; the ack closes the request.
		c.Reply(protocol.NewAck(env.AckID, protocol.Ack{OK: false, Error: err.Error()}))
	}
	return nil
}

func (d *Dispatcher) markRead(ctx context.Context, c *ws.Client, env protocol.Envelope) error {
	p, err := protocol.Decode[protocol.MarkReadPayload](env)
	if err != nil {
		return err
	}
	if p.ReaderID != "" && p.ReaderID != c.UserID {
		return presence.ErrIdentityMismatch
	}
	convID, err := uuid.Parse(p.ChannelID)
	if err != nil {
		return errors.New("channelId must be a conversation id")
	}
	if _, err := d.chat.MarkRead(ctx, p.ChannelID, convID, c.UserID); err != nil {
		return err
	}
	ok(c, env)
	return nil
}

func (d *Dispatcher) reconnectSync(ctx context.Context, c *ws.Client, env protocol.Envelope) error {
	claimed, err := protocol.UserClaim(env)
	if err != nil {
		return err
	}
	n, err := d.coordinator.Reconnect(ctx, c.UserID, claimed, c.ID)
	if err != nil {
		return err
	}
	log.Debugf("reconnect sync for %s delivered %d", c.UserID, n)
	ok(c, env)
	return nil
}

func (d *Dispatcher) initiateCall(ctx context.Context, c *ws.Client, env protocol.Envelope) error {
	p, err := protocol.Decode[protocol.InitiateCallPayload](env)
	if err != nil {
		return err
	}
	if p.CallerID != "" && p.CallerID != c.UserID {
		return presence.ErrIdentityMismatch
	}
	_, _, err = d.relay.Initiate(ctx, call.InitiateRequest{
		CallerID:   c.UserID,
		CallerName: p.CallerName,
		CalleeID:   p.CalleeID,
		ChannelID:  p.ChannelID,
		ConnID:     c.ID,
	})
	if err != nil {
		return err
	}
	ok(c, env)
	return nil
}

func (d *Dispatcher) acceptCall(ctx context.Context, c *ws.Client, env protocol.Envelope) error {
	p, err := protocol.Decode[protocol.AcceptCallPayload](env)
	if err != nil {
		return err
	}
	_, err = d.relay.Accept(ctx, call.AcceptRequest{
		CalleeID:      c.UserID,
		CallerID:      p.CallerID,
		ChannelID:     p.ChannelID,
		CalleeLocalID: p.CalleeLocalID,
		ConnID:        c.ID,
	})
	if err != nil {
		return err
	}
	ok(c, env)
	return nil
}

func (d *Dispatcher) rejectCall(ctx context.Context, c *ws.Client, env protocol.Envelope) error {
	p, err := protocol.Decode[protocol.TargetPayload](env)
	if err != nil {
		return err
	}
	d.relay.Reject(ctx, c.UserID, p.TargetID)
	ok(c, env)
	return nil
}

func (d *Dispatcher) endCall(ctx context.Context, c *ws.Client, env protocol.Envelope) error {
	p, err := protocol.Decode[protocol.TargetPayload](env)
	if err != nil {
		return err
	}
	d.relay.End(ctx, c.UserID, p.TargetID)
	ok(c, env)
	return nil
}
