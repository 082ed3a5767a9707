package push

import (
	"context"
	"encoding/json"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"chat_relay/internal/metrics"
)

// Deliverer sends a notification to the user's devices (APNs, FCM, ...).
type Deliverer interface {
	Deliver(ctx context.Context, n Notification) error
}

type source interface {
	ConsumePushQueue() (<-chan amqp.Delivery, error)
}

type Worker struct {
	broker    source
	deliverer Deliverer
}

func NewWorker(broker source, deliverer Deliverer) *Worker {
	if deliverer == nil {
		deliverer = LogDeliverer{}
	}
	return &Worker{
		broker:    broker,
		deliverer: deliverer,
	}
}

func (w *Worker) Start(ctx context.Context) {
	msgs, err := w.broker.ConsumePushQueue()
	if err != nil {
		log.Errorf("Failed to start push consumer: %v", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				log.Warning("push queue closed")
				return
			}
			w.handle(ctx, d)
		}
	}
}

func (w *Worker) handle(ctx context.Context, d amqp.Delivery) {
	n, ok := decode(d)
	if !ok {
		d.Ack(false)
		return
	}
	if err := w.deliverer.Deliver(ctx, n); err != nil {
		log.Warningf("push to %s failed: %v", n.UserID, err)
		metrics.Pushes.WithLabelValues("failed").Inc()
		// Dropped rather than requeued: a stale push is worse than none.
		d.Nack(false, false)
		return
	}
	metrics.Pushes.WithLabelValues("delivered").Inc()
	d.Ack(false)
}

func decode(d amqp.Delivery) (Notification, bool) {
	var n Notification
	if err := json.Unmarshal(d.Body, &n); err != nil {
		log.Warningf("Failed to unmarshal push: %v", err)
		return n, false
	}
	if n.UserID == "" {
		// Format: user.{userID}
		if !strings.HasPrefix(d.RoutingKey, "user.") {
			log.Warningf("Skipping push: invalid routing key %s", d.RoutingKey)
			return n, false
		}
		n.UserID = strings.TrimPrefix(d.RoutingKey, "user.")
	}
	return n, true
}

// LogDeliverer stands in for a real provider.
type LogDeliverer struct{}

func (LogDeliverer) Deliver(_ context.Context, n Notification) error {
	log.Infof("[PUSH] Sending push to %s: %s (%s)", n.UserID, n.Title, n.Body)
	return nil
}
