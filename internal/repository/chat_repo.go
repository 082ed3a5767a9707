package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"chat_relay/internal/domain"
)

//go:embed schema.sql
var schema string

const messageColumns = `id, conversation_id, sender_id, receiver_id, body, created_at, is_delivered, delivered_at, is_read, read_at`

type ChatRepository struct {
	db         *sql.DB
	outboxRepo OutboxRepository
}

func NewChatRepository(db *sql.DB, outboxRepo OutboxRepository) *ChatRepository {
	return &ChatRepository{
		db:         db,
		outboxRepo: outboxRepo,
	}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (r *ChatRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// FindOrCreateConversation relies on the unique pair key: a concurrent
// creator of the same pair hits the conflict arm and both get the same row.
func (r *ChatRepository) FindOrCreateConversation(ctx context.Context, a, b string) (*domain.Conversation, error) {
	now := time.Now().UTC()
	conv := &domain.Conversation{ParticipantIDs: domain.SortedPair(a, b)}
	var lastID uuid.NullUUID
	var lastAt sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO conversations (id, pair_key, participant_ids, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (pair_key) DO UPDATE SET pair_key = EXCLUDED.pair_key
		RETURNING id, last_message_id, last_message_at, created_at, updated_at
	`, uuid.New(), domain.PairKey(a, b), pq.Array(conv.ParticipantIDs), now).
		Scan(&conv.ID, &lastID, &lastAt, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to find or create conversation: %w", err)
	}
	setLast(conv, lastID, lastAt)
	return conv, nil
}

func (r *ChatRepository) GetConversation(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	conv := &domain.Conversation{}
	var lastID uuid.NullUUID
	var lastAt sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT id, participant_ids, last_message_id, last_message_at, created_at, updated_at
		FROM conversations WHERE id = $1
	`, id).Scan(&conv.ID, pq.Array(&conv.ParticipantIDs), &lastID, &lastAt, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversation: %w", err)
	}
	setLast(conv, lastID, lastAt)

	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id, unread_count FROM conversation_unread WHERE conversation_id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unread counts: %w", err)
	}
	defer rows.Close()
	conv.UnreadCounts = make(map[string]int)
	for rows.Next() {
		var userID string
		var n int
		if err := rows.Scan(&userID, &n); err != nil {
			return nil, err
		}
		conv.UnreadCounts[userID] = n
	}
	return conv, rows.Err()
}

func (r *ChatRepository) ListConversations(ctx context.Context, userID string) ([]*domain.ConversationSummary, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT c.id, c.participant_ids, c.last_message_id, c.last_message_at, c.created_at, c.updated_at,
		       COALESCE(u.unread_count, 0), COALESCE(m.body, '')
		FROM conversations c
		LEFT JOIN conversation_unread u ON u.conversation_id = c.id AND u.user_id = $1
		LEFT JOIN messages m ON m.id = c.last_message_id
		WHERE $1 = ANY(c.participant_ids)
		ORDER BY c.last_message_at DESC NULLS LAST, c.updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []*domain.ConversationSummary
	for rows.Next() {
		s := &domain.ConversationSummary{}
		var lastID uuid.NullUUID
		var lastAt sql.NullTime
		if err := rows.Scan(&s.ID, pq.Array(&s.ParticipantIDs), &lastID, &lastAt, &s.CreatedAt, &s.UpdatedAt,
			&s.UnreadCount, &s.LastMessageText); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		setLast(&s.Conversation, lastID, lastAt)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *ChatRepository) CreateMessage(ctx context.Context, msg *domain.Message) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// 1. Insert Message
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, receiver_id, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, msg.ID, msg.ConversationID, msg.SenderID, msg.ReceiverID, msg.Body, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	// 2. Conversation bookkeeping
	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET last_message_id = $2, last_message_at = $3, updated_at = $3
		WHERE id = $1
	`, msg.ConversationID, msg.ID, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversation_unread (conversation_id, user_id, unread_count) VALUES ($1, $2, 1)
		ON CONFLICT (conversation_id, user_id)
		DO UPDATE SET unread_count = conversation_unread.unread_count + 1
	`, msg.ConversationID, msg.ReceiverID)
	if err != nil {
		return fmt.Errorf("failed to bump unread count: %w", err)
	}

	// 3. Outbox
	if err := r.saveEvent(ctx, tx, domain.EventTypeMessageCreated, msg); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}
	msg.Delivered, msg.DeliveredAt, msg.Read, msg.ReadAt = false, nil, false, nil
	return nil
}

func (r *ChatRepository) MarkDelivered(ctx context.Context, ids []uuid.UUID, at time.Time) ([]*domain.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		UPDATE messages SET is_delivered = TRUE, delivered_at = $2
		WHERE id = ANY($1::uuid[]) AND NOT is_delivered
		RETURNING `+messageColumns, pq.Array(uuidStrings(ids)), at)
	if err != nil {
		return nil, fmt.Errorf("failed to mark messages delivered: %w", err)
	}
	flipped, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	if len(flipped) > 0 {
		payload := map[string]interface{}{
			"message_ids":  messageIDs(flipped),
			"delivered_at": at,
		}
		if err := r.saveEvent(ctx, tx, domain.EventTypeMessageDelivered, payload); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit delivery: %w", err)
	}
	return flipped, nil
}

// MarkRead flips every unread message of the conversation addressed to
// readerID. Reading implies delivery.
func (r *ChatRepository) MarkRead(ctx context.Context, conversationID uuid.UUID, readerID string, at time.Time) ([]*domain.Message, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		UPDATE messages
		SET is_read = TRUE, read_at = $3,
		    is_delivered = TRUE, delivered_at = COALESCE(delivered_at, $3)
		WHERE conversation_id = $1 AND receiver_id = $2 AND NOT is_read
		RETURNING `+messageColumns, conversationID, readerID, at)
	if err != nil {
		return nil, fmt.Errorf("failed to mark messages read: %w", err)
	}
	flipped, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(flipped) == 0 {
		return nil, nil
	}

	// Subtract rather than reset: a message committed after the UPDATE
	// above is still unread.
	_, err = tx.ExecContext(ctx, `
		UPDATE conversation_unread SET unread_count = GREATEST(unread_count - $3, 0)
		WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, readerID, len(flipped))
	if err != nil {
		return nil, fmt.Errorf("failed to decrement unread count: %w", err)
	}

	payload := map[string]interface{}{
		"conversation_id": conversationID,
		"reader_id":       readerID,
		"message_ids":     messageIDs(flipped),
		"read_at":         at,
	}
	if err := r.saveEvent(ctx, tx, domain.EventTypeMessageRead, payload); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit read receipts: %w", err)
	}
	return flipped, nil
}

func (r *ChatRepository) UndeliveredFor(ctx context.Context, userID string) ([]*domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE receiver_id = $1 AND NOT is_delivered
		ORDER BY created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch undelivered messages: %w", err)
	}
	return scanMessages(rows)
}

func (r *ChatRepository) ListMessages(ctx context.Context, conversationID uuid.UUID, before *time.Time, limit int) ([]*domain.Message, error) {
	var rows *sql.Rows
	var err error

	if before == nil {
		rows, err = r.db.QueryContext(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		`, conversationID, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE conversation_id = $1 AND created_at < $2
			ORDER BY created_at DESC
			LIMIT $3
		`, conversationID, *before, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	// Fetched newest first, return chronologically
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *ChatRepository) GetUser(ctx context.Context, id string) (*domain.User, error) {
	var u domain.User
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, username, avatar FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.Name, &u.Username, &u.Avatar)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user: %w", err)
	}
	return &u, nil
}

// EnsureUser records a user id seen on a connection. Profile fields are
// owned by the account service and left untouched.
func (r *ChatRepository) EnsureUser(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id) VALUES ($1)
		ON CONFLICT (id) DO NOTHING
	`, id)
	if err != nil {
		return fmt.Errorf("failed to ensure user: %w", err)
	}
	return nil
}

func (r *ChatRepository) saveEvent(ctx context.Context, tx *sql.Tx, eventType string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	event := &domain.OutboxEvent{
		ID:        uuid.New(),
		EventType: eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.outboxRepo.Save(ctx, tx, event); err != nil {
		return fmt.Errorf("failed to save outbox event: %w", err)
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]*domain.Message, error) {
	defer rows.Close()
	var messages []*domain.Message
	for rows.Next() {
		var m domain.Message
		var deliveredAt, readAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.Body, &m.CreatedAt,
			&m.Delivered, &deliveredAt, &m.Read, &readAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if deliveredAt.Valid {
			t := deliveredAt.Time
			m.DeliveredAt = &t
		}
		if readAt.Valid {
			t := readAt.Time
			m.ReadAt = &t
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

func setLast(c *domain.Conversation, id uuid.NullUUID, at sql.NullTime) {
	if id.Valid {
		v := id.UUID
		c.LastMessageID = &v
	}
	if at.Valid {
		t := at.Time
		c.LastMessageAt = &t
	}
}

func messageIDs(messages []*domain.Message) []uuid.UUID {
	ids := make([]uuid.UUID, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}
	return ids
}
