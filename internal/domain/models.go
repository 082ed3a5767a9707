package domain

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// MaxMessageLength is the upper bound on a message body, in runes.
const MaxMessageLength = 2000

// User is the identity record owned by the account service. The relay only
// reads it, to decorate push notifications.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

type Conversation struct {
	ID             uuid.UUID      `json:"id"`
	ParticipantIDs []string       `json:"participant_ids"`
	LastMessageID  *uuid.UUID     `json:"last_message_id,omitempty"`
	LastMessageAt  *time.Time     `json:"last_message_at,omitempty"`
	UnreadCounts   map[string]int `json:"unread_counts,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// HasParticipant reports whether userID takes part in the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.ParticipantIDs {
		if p == userID {
			return true
		}
	}
	return false
}

// ConversationSummary is a conversation as seen by one participant.
type ConversationSummary struct {
	Conversation
	UnreadCount     int    `json:"unread_count"`
	LastMessageText string `json:"last_message_text"`
}

type Message struct {
	ID             uuid.UUID  `json:"id"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	ReceiverID     string     `json:"receiver_id"`
	Body           string     `json:"body"`
	CreatedAt      time.Time  `json:"created_at"`
	Delivered      bool       `json:"delivered"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	Read           bool       `json:"read"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
}

// PairKey returns the canonical, order independent key of a participant pair.
// Two conversations can never share a key.
func PairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	key, _ := json.Marshal(ids)
	return string(key)
}

// SortedPair returns a and b in canonical order.
func SortedPair(a, b string) []string {
	if b < a {
		return []string{b, a}
	}
	return []string{a, b}
}

type OutboxEvent struct {
	ID          uuid.UUID       `json:"id"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

const (
	EventTypeMessageCreated   = "MESSAGE_CREATED"
	EventTypeMessageDelivered = "MESSAGE_DELIVERED"
	EventTypeMessageRead      = "MESSAGE_READ"
)

const (
	OutboxStatusPending   = "pending"
	OutboxStatusProcessed = "processed"
)
