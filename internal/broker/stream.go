package broker

import (
	"errors"
	"fmt"

	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/amqp"
	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/stream"
)

// StreamPublisher appends outbox events to a RabbitMQ stream where
// downstream consumers (analytics, search indexing) replay them.
type StreamPublisher struct {
	env      *stream.Environment
	producer *stream.Producer
}

func NewStreamPublisher(uri, streamName string) (*StreamPublisher, error) {
	env, err := stream.NewEnvironment(stream.NewEnvironmentOptions().SetUri(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to stream: %w", err)
	}

	err = env.DeclareStream(streamName, &stream.StreamOptions{
		MaxLengthBytes: stream.ByteCapacity{}.GB(2),
	})
	if err != nil && !errors.Is(err, stream.StreamAlreadyExists) {
		env.Close()
		return nil, fmt.Errorf("failed to declare stream: %w", err)
	}

	producer, err := env.NewProducer(streamName, stream.NewProducerOptions())
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to create stream producer: %w", err)
	}
	return &StreamPublisher{env: env, producer: producer}, nil
}

func (p *StreamPublisher) Publish(body []byte) error {
	if err := p.producer.Send(amqp.NewMessage(body)); err != nil {
		return fmt.Errorf("failed to publish to stream: %w", err)
	}
	return nil
}

func (p *StreamPublisher) Close() error {
	if err := p.producer.Close(); err != nil {
		return err
	}
	return p.env.Close()
}
