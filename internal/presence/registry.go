// Package presence tracks which users are reachable on which live
// connections of this process.
//
// The registry is process local. Several relay processes behind a load
// balancer each see only their own connections; RedisMirror gives a
// cluster-wide advisory view but does not route events between nodes.
package presence

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Registry maps a user to the set of its live connections.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[uuid.UUID]struct{}
	byConn map[uuid.UUID]string
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]map[uuid.UUID]struct{}),
		byConn: make(map[uuid.UUID]string),
	}
}

// Register adds connID to userID's set. It reports whether this was the
// user's first live connection. Registering the same pair twice is a no-op.
// A connection registered under another user is moved.
func (r *Registry) Register(userID string, connID uuid.UUID) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.byConn[connID]; ok {
		if owner == userID {
			return false
		}
		r.removeLocked(connID)
	}

	conns, ok := r.byUser[userID]
	if !ok {
		conns = make(map[uuid.UUID]struct{})
		r.byUser[userID] = conns
	}
	conns[connID] = struct{}{}
	r.byConn[connID] = userID
	return len(conns) == 1
}

// Unregister removes connID from whichever user owns it. last is true only
// for the call that removed the user's final connection.
func (r *Registry) Unregister(connID uuid.UUID) (userID string, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(connID)
}

func (r *Registry) removeLocked(connID uuid.UUID) (string, bool) {
	userID, ok := r.byConn[connID]
	if !ok {
		return "", false
	}
	delete(r.byConn, connID)

	conns := r.byUser[userID]
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.byUser, userID)
		return userID, true
	}
	return userID, false
}

// ConnectionsFor returns a copy of the user's live set, possibly empty.
func (r *Registry) ConnectionsFor(userID string) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byUser[userID]
	out := make([]uuid.UUID, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// UserOf returns the user owning connID.
func (r *Registry) UserOf(connID uuid.UUID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.byConn[connID]
	return userID, ok
}

// OnlineUsers returns the ids of every user with a live connection, sorted.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	users := make([]string, 0, len(r.byUser))
	for id := range r.byUser {
		users = append(users, id)
	}
	r.mu.RUnlock()

	sort.Strings(users)
	return users
}

func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
