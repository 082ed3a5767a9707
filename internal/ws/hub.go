package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/op/go-logging"

	"chat_relay/internal/protocol"
)

var log = logging.MustGetLogger("ws")

// Handler receives decoded frames in arrival order for each connection.
type Handler interface {
	HandleEvent(ctx context.Context, c *Client, env protocol.Envelope)
	Disconnected(c *Client)
}

// Users resolves a user to its live connections.
type Users interface {
	ConnectionsFor(userID string) []uuid.UUID
}

type Options struct {
	SendBuffer      int
	EventsPerSecond float64
	EventBurst      int
	MaxMessageSize  int64
	AllowedOrigins  []string
}

// Hub owns every live connection of the process and the channel rooms they
// joined. Sends never block: a connection whose buffer is full is closed.
type Hub struct {
	// Connection id -> Client
	clients map[uuid.UUID]*Client
	// Channel id -> connection ids
	rooms map[string]map[uuid.UUID]struct{}

	Register   chan *Client
	Unregister chan *Client
	done       chan struct{}

	users   Users
	handler Handler
	opts    Options

	mu sync.RWMutex
}

func NewHub(users Users, opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 64 * 1024
	}
	return &Hub{
		clients:    make(map[uuid.UUID]*Client),
		rooms:      make(map[string]map[uuid.UUID]struct{}),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		done:       make(chan struct{}),
		users:      users,
		opts:       opts,
	}
}

// Handle sets the event handler. It must be called before Run.
func (h *Hub) Handle(handler Handler) {
	h.handler = handler
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			close(h.done)
			return

		case client := <-h.Register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			log.Debugf("client connected: conn=%s user=%s", client.ID, client.UserID)

		case client := <-h.Unregister:
			h.mu.Lock()
			_, ok := h.clients[client.ID]
			if ok {
				delete(h.clients, client.ID)
				for channelID := range client.channels {
					h.leaveLocked(client, channelID)
				}
			}
			h.mu.Unlock()
			client.closeSend()

			if ok {
				log.Debugf("client disconnected: conn=%s user=%s", client.ID, client.UserID)
				if h.handler != nil {
					h.handler.Disconnected(client)
				}
			}
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.closeSend()
		c.closeConn()
		delete(h.clients, id)
	}
}

func (h *Hub) JoinChannel(c *Client, channelID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.ID]; !ok {
		return
	}
	room, ok := h.rooms[channelID]
	if !ok {
		room = make(map[uuid.UUID]struct{})
		h.rooms[channelID] = room
	}
	room[c.ID] = struct{}{}
	c.channels[channelID] = struct{}{}
}

func (h *Hub) LeaveChannel(c *Client, channelID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, channelID)
}

func (h *Hub) leaveLocked(c *Client, channelID string) {
	delete(c.channels, channelID)
	room, ok := h.rooms[channelID]
	if !ok {
		return
	}
	delete(room, c.ID)
	if len(room) == 0 {
		delete(h.rooms, channelID)
	}
}

// ChannelMembers returns the connections joined to channelID.
func (h *Hub) ChannelMembers(channelID string) []uuid.UUID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(h.rooms[channelID]))
	for id := range h.rooms[channelID] {
		out = append(out, id)
	}
	return out
}

func (h *Hub) SendToConn(connID uuid.UUID, ev protocol.Outbound) bool {
	data, ok := marshal(ev)
	if !ok {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[connID]
	if !ok {
		return false
	}
	return c.trySend(data)
}

// SendToUser delivers ev to every live connection of userID and returns how
// many accepted it.
func (h *Hub) SendToUser(userID string, ev protocol.Outbound) int {
	conns := h.users.ConnectionsFor(userID)
	if len(conns) == 0 {
		return 0
	}
	data, ok := marshal(ev)
	if !ok {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for _, id := range conns {
		if c, ok := h.clients[id]; ok && c.trySend(data) {
			sent++
		}
	}
	return sent
}

// SendToChannel delivers ev to the connections joined to channelID except
// the one given.
func (h *Hub) SendToChannel(channelID string, ev protocol.Outbound, except uuid.UUID) int {
	data, ok := marshal(ev)
	if !ok {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for id := range h.rooms[channelID] {
		if id == except {
			continue
		}
		if c, ok := h.clients[id]; ok && c.trySend(data) {
			sent++
		}
	}
	return sent
}

func (h *Hub) Broadcast(ev protocol.Outbound) int {
	data, ok := marshal(ev)
	if !ok {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for _, c := range h.clients {
		if c.trySend(data) {
			sent++
		}
	}
	return sent
}

func marshal(ev protocol.Outbound) ([]byte, bool) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Errorf("failed to marshal %s: %v", ev.Event, err)
		return nil, false
	}
	return data, true
}
