package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/op/go-logging"

	"chat_relay/internal/metrics"
	"chat_relay/internal/protocol"
)

var log = logging.MustGetLogger("presence")

// ErrIdentityMismatch is returned when a client claims a user id other than
// the one its credential carries.
var ErrIdentityMismatch = errors.New("claimed user does not match credential")

// Syncer flushes messages that piled up while a user was offline.
type Syncer interface {
	SyncUndelivered(ctx context.Context, userID string) (int, error)
}

// Mirror publishes presence outside this process. It is advisory only.
type Mirror interface {
	AddSession(ctx context.Context, userID string, connID uuid.UUID) error
	RemoveSession(ctx context.Context, userID string, connID uuid.UUID) error
	IsUserOnline(ctx context.Context, userID string) (bool, error)
}

// Coordinator is the only writer of the Registry. It sequences registry
// updates with the online and offline broadcasts.
type Coordinator struct {
	registry *Registry
	fanout   protocol.Fanout
	mirror   Mirror
	syncer   Syncer

	// Mirror writes, applied one at a time in the order they were queued.
	mirrorOps chan mirrorOp

	mu        sync.Mutex
	onOffline []func(userID string)
}

type mirrorOp struct {
	add    bool
	userID string
	connID uuid.UUID
}

const mirrorQueueSize = 1024

func NewCoordinator(registry *Registry, fanout protocol.Fanout, mirror Mirror) *Coordinator {
	c := &Coordinator{
		registry: registry,
		fanout:   fanout,
		mirror:   mirror,
	}
	if mirror != nil {
		c.mirrorOps = make(chan mirrorOp, mirrorQueueSize)
		go c.runMirror()
	}
	return c
}

// SetSyncer wires reconnect sync. The chat service depends on the registry,
// so it is attached after construction.
func (c *Coordinator) SetSyncer(s Syncer) {
	c.syncer = s
}

// OnOffline registers fn to run after a user's last connection is gone.
func (c *Coordinator) OnOffline(fn func(userID string)) {
	c.mu.Lock()
	c.onOffline = append(c.onOffline, fn)
	c.mu.Unlock()
}

func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Register binds connID to the authenticated user. An empty claim means the
// authenticated identity.
func (c *Coordinator) Register(ctx context.Context, authUserID, claimedUserID string, connID uuid.UUID) error {
	if claimedUserID != "" && claimedUserID != authUserID {
		return ErrIdentityMismatch
	}

	first := c.registry.Register(authUserID, connID)
	c.updateGauges()
	c.mirrorAdd(authUserID, connID)

	if first {
		log.Debugf("user %s online", authUserID)
		c.fanout.Broadcast(protocol.NewEvent(protocol.EventUserOnline, protocol.UserPresence{UserID: authUserID}))
	}
	return nil
}

// Disconnect forgets connID. The offline broadcast and hooks run once, when
// the user's last connection drops.
func (c *Coordinator) Disconnect(ctx context.Context, connID uuid.UUID) {
	userID, last := c.registry.Unregister(connID)
	if userID == "" {
		return
	}
	c.updateGauges()
	c.mirrorRemove(userID, connID)

	if !last {
		return
	}
	log.Debugf("user %s offline", userID)
	c.fanout.Broadcast(protocol.NewEvent(protocol.EventUserOffline, protocol.UserPresence{UserID: userID}))

	c.mu.Lock()
	hooks := append([]func(string){}, c.onOffline...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn(userID)
	}
}

// Reconnect registers connID if needed and flushes the user's backlog.
func (c *Coordinator) Reconnect(ctx context.Context, authUserID, claimedUserID string, connID uuid.UUID) (int, error) {
	if err := c.Register(ctx, authUserID, claimedUserID, connID); err != nil {
		return 0, err
	}
	if c.syncer == nil {
		return 0, nil
	}
	return c.syncer.SyncUndelivered(ctx, authUserID)
}

// IsOnline reports local presence, falling back to the mirror for users
// connected to other nodes.
func (c *Coordinator) IsOnline(ctx context.Context, userID string) (local, cluster bool) {
	local = c.registry.IsOnline(userID)
	if local || c.mirror == nil {
		return local, local
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	online, err := c.mirror.IsUserOnline(ctx, userID)
	if err != nil {
		log.Warningf("presence mirror lookup for %s: %v", userID, err)
		return false, false
	}
	return false, online
}

func (c *Coordinator) updateGauges() {
	metrics.Connections.Set(float64(c.registry.ConnectionCount()))
	metrics.OnlineUsers.Set(float64(len(c.registry.OnlineUsers())))
}

// Mirror writes leave the caller immediately. A full queue drops the write;
// the mirror's TTL cleans up after it.
func (c *Coordinator) mirrorAdd(userID string, connID uuid.UUID) {
	c.enqueueMirror(mirrorOp{add: true, userID: userID, connID: connID})
}

func (c *Coordinator) mirrorRemove(userID string, connID uuid.UUID) {
	c.enqueueMirror(mirrorOp{userID: userID, connID: connID})
}

func (c *Coordinator) enqueueMirror(op mirrorOp) {
	if c.mirrorOps == nil {
		return
	}
	select {
	case c.mirrorOps <- op:
	default:
		log.Warningf("presence mirror queue full, dropped update for %s", op.connID)
	}
}

// runMirror applies queued writes in order, so a quick connect and
// disconnect can never reach the mirror reversed.
func (c *Coordinator) runMirror() {
	for op := range c.mirrorOps {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if op.add {
			if err := c.mirror.AddSession(ctx, op.userID, op.connID); err != nil {
				log.Warningf("failed to mirror session %s: %v", op.connID, err)
			}
		} else if err := c.mirror.RemoveSession(ctx, op.userID, op.connID); err != nil {
			log.Warningf("failed to remove mirrored session %s: %v", op.connID, err)
		}
		cancel()
	}
}
