package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat_relay/internal/domain"
)

var (
	_ Store = (*ChatRepository)(nil)
	_ Store = (*MemoryStore)(nil)
)

// MemoryStore keeps everything in process. It backs the "memory" store
// driver and the service tests.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[uuid.UUID]*domain.Conversation
	byPair        map[string]uuid.UUID
	messages      map[uuid.UUID]*domain.Message
	users         map[string]*domain.User

	// Insertion order, so equal timestamps keep a stable order.
	order []uuid.UUID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[uuid.UUID]*domain.Conversation),
		byPair:        make(map[string]uuid.UUID),
		messages:      make(map[uuid.UUID]*domain.Message),
		users:         make(map[string]*domain.User),
	}
}

func (s *MemoryStore) FindOrCreateConversation(_ context.Context, a, b string) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := domain.PairKey(a, b)
	if id, ok := s.byPair[key]; ok {
		return copyConversation(s.conversations[id]), nil
	}
	now := time.Now().UTC()
	conv := &domain.Conversation{
		ID:             uuid.New(),
		ParticipantIDs: domain.SortedPair(a, b),
		UnreadCounts:   make(map[string]int),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.conversations[conv.ID] = conv
	s.byPair[key] = conv.ID
	return copyConversation(conv), nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id uuid.UUID) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(conv), nil
}

func (s *MemoryStore) ListConversations(_ context.Context, userID string) ([]*domain.ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.ConversationSummary
	for _, conv := range s.conversations {
		if !conv.HasParticipant(userID) {
			continue
		}
		sum := &domain.ConversationSummary{
			Conversation: *copyConversation(conv),
			UnreadCount:  conv.UnreadCounts[userID],
		}
		if conv.LastMessageID != nil {
			if m, ok := s.messages[*conv.LastMessageID]; ok {
				sum.LastMessageText = m.Body
			}
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastMessageAt, out[j].LastMessageAt
		switch {
		case a == nil && b == nil:
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.After(*b)
	})
	return out, nil
}

func (s *MemoryStore) CreateMessage(_ context.Context, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}
	msg.Delivered, msg.DeliveredAt, msg.Read, msg.ReadAt = false, nil, false, nil
	stored := *msg
	s.messages[msg.ID] = &stored
	s.order = append(s.order, msg.ID)

	id, at := msg.ID, msg.CreatedAt
	conv.LastMessageID = &id
	conv.LastMessageAt = &at
	conv.UpdatedAt = at
	conv.UnreadCounts[msg.ReceiverID]++
	return nil
}

func (s *MemoryStore) MarkDelivered(_ context.Context, ids []uuid.UUID, at time.Time) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var flipped []*domain.Message
	for _, id := range ids {
		m, ok := s.messages[id]
		if !ok || m.Delivered {
			continue
		}
		t := at
		m.Delivered = true
		m.DeliveredAt = &t
		flipped = append(flipped, copyMessage(m))
	}
	return flipped, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, conversationID uuid.UUID, readerID string, at time.Time) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var flipped []*domain.Message
	for _, id := range s.order {
		m := s.messages[id]
		if m.ConversationID != conversationID || m.ReceiverID != readerID || m.Read {
			continue
		}
		t := at
		m.Read = true
		m.ReadAt = &t
		if !m.Delivered {
			m.Delivered = true
			m.DeliveredAt = &t
		}
		flipped = append(flipped, copyMessage(m))
	}
	if len(flipped) == 0 {
		return nil, nil
	}
	if conv, ok := s.conversations[conversationID]; ok {
		conv.UnreadCounts[readerID] = max(conv.UnreadCounts[readerID]-len(flipped), 0)
	}
	sortByCreated(flipped)
	return flipped, nil
}

func (s *MemoryStore) UndeliveredFor(_ context.Context, userID string) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Message
	for _, id := range s.order {
		m := s.messages[id]
		if m.ReceiverID == userID && !m.Delivered {
			out = append(out, copyMessage(m))
		}
	}
	sortByCreated(out)
	return out, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID uuid.UUID, before *time.Time, limit int) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Message
	for _, id := range s.order {
		m := s.messages[id]
		if m.ConversationID != conversationID {
			continue
		}
		if before != nil && !m.CreatedAt.Before(*before) {
			continue
		}
		out = append(out, copyMessage(m))
	}
	sortByCreated(out)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) EnsureUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		s.users[id] = &domain.User{ID: id}
	}
	return nil
}

// PutUser stores a full profile, replacing any existing one.
func (s *MemoryStore) PutUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = &u
}

func sortByCreated(messages []*domain.Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
}

func copyMessage(m *domain.Message) *domain.Message {
	cp := *m
	if m.DeliveredAt != nil {
		t := *m.DeliveredAt
		cp.DeliveredAt = &t
	}
	if m.ReadAt != nil {
		t := *m.ReadAt
		cp.ReadAt = &t
	}
	return &cp
}

func copyConversation(c *domain.Conversation) *domain.Conversation {
	cp := *c
	cp.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
	cp.UnreadCounts = make(map[string]int, len(c.UnreadCounts))
	for k, v := range c.UnreadCounts {
		cp.UnreadCounts[k] = v
	}
	return &cp
}
