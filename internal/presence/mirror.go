package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisMirror keeps one set per user holding "node/connection" members.
// Keys expire after ttl so a crashed node's sessions age out on their own.
type RedisMirror struct {
	rdb    redis.UniversalClient
	nodeID string
	ttl    time.Duration
}

func NewRedisMirror(rdb redis.UniversalClient, nodeID string, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisMirror{rdb: rdb, nodeID: nodeID, ttl: ttl}
}

func presenceKey(userID string) string {
	return "presence:user:" + userID
}

func (m *RedisMirror) member(connID uuid.UUID) string {
	return m.nodeID + "/" + connID.String()
}

func (m *RedisMirror) AddSession(ctx context.Context, userID string, connID uuid.UUID) error {
	key := presenceKey(userID)
	pipe := m.rdb.TxPipeline()
	pipe.SAdd(ctx, key, m.member(connID))
	pipe.Expire(ctx, key, m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add session: %w", err)
	}
	return nil
}

func (m *RedisMirror) RemoveSession(ctx context.Context, userID string, connID uuid.UUID) error {
	if err := m.rdb.SRem(ctx, presenceKey(userID), m.member(connID)).Err(); err != nil {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	return nil
}

func (m *RedisMirror) IsUserOnline(ctx context.Context, userID string) (bool, error) {
	n, err := m.rdb.SCard(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check if user is online: %w", err)
	}
	return n > 0, nil
}

// Refresh extends the ttl of every user currently connected to this node.
func (m *RedisMirror) Refresh(ctx context.Context, users []string) error {
	if len(users) == 0 {
		return nil
	}
	pipe := m.rdb.Pipeline()
	for _, id := range users {
		pipe.Expire(ctx, presenceKey(id), m.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	return nil
}

// KeepAlive refreshes the registry's users every ttl/2 until ctx is done.
func (m *RedisMirror) KeepAlive(ctx context.Context, registry *Registry) {
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Refresh(ctx, registry.OnlineUsers()); err != nil {
				log.Warningf("%v", err)
			}
		}
	}
}
