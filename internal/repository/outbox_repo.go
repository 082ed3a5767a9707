package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"chat_relay/internal/domain"
)

type OutboxRepository interface {
	BeginTx(ctx context.Context) (*sql.Tx, error)
	Save(ctx context.Context, tx *sql.Tx, event *domain.OutboxEvent) error
	FetchPending(ctx context.Context, tx *sql.Tx, limit int) ([]*domain.OutboxEvent, error)
	MarkProcessed(ctx context.Context, tx *sql.Tx, ids []uuid.UUID) error
}

// PostgresOutboxRepository stores events in the same database as the
// messages they describe, so they commit or roll back together.
type PostgresOutboxRepository struct {
	db *sql.DB
}

func NewPostgresOutboxRepository(db *sql.DB) *PostgresOutboxRepository {
	return &PostgresOutboxRepository{db: db}
}

func (r *PostgresOutboxRepository) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return r.db.BeginTx(ctx, nil)
}

func (r *PostgresOutboxRepository) Save(ctx context.Context, tx *sql.Tx, event *domain.OutboxEvent) error {
	if event.Status == "" {
		event.Status = domain.OutboxStatusPending
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_events (id, event_type, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, event.ID, event.EventType, []byte(event.Payload), event.Status, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

// FetchPending locks up to limit pending events. Concurrent workers skip
// rows another worker already holds.
func (r *PostgresOutboxRepository) FetchPending(ctx context.Context, tx *sql.Tx, limit int) ([]*domain.OutboxEvent, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, event_type, payload, status, created_at
		FROM outbox_events
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, domain.OutboxStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending events: %w", err)
	}
	defer rows.Close()

	var events []*domain.OutboxEvent
	for rows.Next() {
		var e domain.OutboxEvent
		var payload []byte
		if err := rows.Scan(&e.ID, &e.EventType, &payload, &e.Status, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		e.Payload = payload
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (r *PostgresOutboxRepository) MarkProcessed(ctx context.Context, tx *sql.Tx, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE outbox_events SET status = $1, processed_at = $2
		WHERE id = ANY($3::uuid[])
	`, domain.OutboxStatusProcessed, time.Now().UTC(), pq.Array(uuidStrings(ids)))
	if err != nil {
		return fmt.Errorf("failed to mark events processed: %w", err)
	}
	return nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
