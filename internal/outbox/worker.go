// Package outbox relays committed outbox events to the event stream.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/op/go-logging"

	"chat_relay/internal/repository"
)

var log = logging.MustGetLogger("outbox")

type Publisher interface {
	Publish(body []byte) error
}

type Worker struct {
	repo      repository.OutboxRepository
	publisher Publisher
	interval  time.Duration
	batch     int
}

func NewWorker(repo repository.OutboxRepository, publisher Publisher, interval time.Duration, batch int) *Worker {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Worker{
		repo:      repo,
		publisher: publisher,
		interval:  interval,
		batch:     batch,
	}
}

func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	log.Infof("outbox relay started, interval=%s batch=%d", w.interval, w.batch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				n, err := w.ProcessBatch(ctx)
				if err != nil {
					log.Errorf("outbox batch failed: %v", err)
					break
				}
				if n < w.batch {
					break
				}
			}
		}
	}
}

// ProcessBatch publishes one batch of pending events in created order and
// marks them processed. A publish failure stops the batch; everything up to
// that point is committed, the rest is retried on the next tick.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	tx, err := w.repo.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	events, err := w.repo.FetchPending(ctx, tx, w.batch)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	var done []uuid.UUID
	var publishErr error
	for _, e := range events {
		body, err := json.Marshal(e)
		if err != nil {
			publishErr = fmt.Errorf("failed to marshal event %s: %w", e.ID, err)
			break
		}
		if err := w.publisher.Publish(body); err != nil {
			publishErr = err
			break
		}
		done = append(done, e.ID)
	}

	if err := w.repo.MarkProcessed(ctx, tx, done); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit outbox batch: %w", err)
	}
	if publishErr != nil {
		return len(done), publishErr
	}
	return len(done), nil
}
