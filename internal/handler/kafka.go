package handler

import (
	"context"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/devblac/chain-events/internal/event"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes each event as a JSON Message keyed by chain, so one
// chain's events stay ordered within a partition.
type Kafka struct {
	writer messageWriter
	topic  string
}

// NewKafka builds a handler writing to topic on brokers.
func NewKafka(brokers []string, topic string) (*Kafka, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("kafka brokers and topic required")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &Kafka{writer: writer, topic: topic}, nil
}

func (k *Kafka) Handle(ctx context.Context, ev event.Event, prev any) (any, error) {
	if duplicate(prev) {
		return prev, nil
	}
	value, err := encodeMessage(ev, prev)
	if err != nil {
		return nil, err
	}
	msg := kafka.Message{
		Key:   []byte(ev.Chain),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return nil, fmt.Errorf("kafka write %s: %w", k.topic, err)
	}
	return prev, nil
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	return k.writer.Close()
}
