package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"chat_relay/internal/metrics"
	"chat_relay/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Client is one live connection of an authenticated user.
type Client struct {
	ID     uuid.UUID
	UserID string

	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	// Guarded by hub.mu.
	channels map[string]struct{}

	sendOnce sync.Once
	connOnce sync.Once
}

func newClient(h *Hub, conn *websocket.Conn, userID string) *Client {
	limit := rate.Inf
	if h.opts.EventsPerSecond > 0 {
		limit = rate.Limit(h.opts.EventsPerSecond)
	}
	burst := h.opts.EventBurst
	if burst <= 0 {
		burst = 20
	}
	return &Client{
		ID:       uuid.New(),
		UserID:   userID,
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, h.opts.SendBuffer),
		limiter:  rate.NewLimiter(limit, burst),
		channels: make(map[string]struct{}),
	}
}

// trySend queues data without blocking. Callers hold hub.mu for reading,
// which keeps the send channel open for the duration.
func (c *Client) trySend(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		metrics.DroppedFrames.Inc()
		log.Warningf("send buffer full, closing conn=%s user=%s", c.ID, c.UserID)
		go c.closeConn()
		return false
	}
}

func (c *Client) closeSend() {
	c.sendOnce.Do(func() { close(c.send) })
}

func (c *Client) closeConn() {
	c.connOnce.Do(func() {
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// Reply sends ev to this connection only.
func (c *Client) Reply(ev protocol.Outbound) bool {
	return c.hub.SendToConn(c.ID, ev)
}

// ReadPump decodes frames and hands them to the hub's handler one at a time.
func (c *Client) ReadPump() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		select {
		case c.hub.Unregister <- c:
		case <-c.hub.done:
		}
		c.closeConn()
	}()
	c.conn.SetReadLimit(c.hub.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Infof("read error conn=%s: %v", c.ID, err)
			}
			return
		}

		if !c.limiter.Allow() {
			c.Reply(protocol.NewError("", "rate_limited"))
			continue
		}

		env, err := protocol.ParseEnvelope(message)
		if err != nil {
			c.Reply(protocol.NewError("", err.Error()))
			continue
		}
		if c.hub.handler != nil {
			c.hub.handler.HandleEvent(ctx, c, env)
		}
	}
}

// WritePump writes queued frames, one websocket message per frame.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var errHubStopped = errors.New("hub is not running")

// Serve upgrades an already authenticated request and starts the pumps.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) (*Client, error) {
	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	c := newClient(h, conn, userID)
	select {
	case h.Register <- c:
	case <-h.done:
		conn.Close()
		return nil, errHubStopped
	}

	go c.WritePump()
	go c.ReadPump()
	return c, nil
}

func (h *Hub) upgrader() *websocket.Upgrader {
	allowed := h.opts.AllowedOrigins
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, o := range allowed {
				if o == "*" || o == origin {
					return true
				}
			}
			return false
		},
	}
}
