package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes events as JSON, keyed by device identifier so one
// device's events stay on one partition.
type Kafka struct {
	w messageWriter
}

func NewKafka(brokers []string, topic string) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if topic == "" {
		return nil, errors.New("kafka: no topic configured")
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		Transport:              &kafka.Transport{DialTimeout: 5 * time.Second},
		AllowAutoTopicCreation: false,
		Async:                  true,
		BatchTimeout:           100 * time.Millisecond,
		WriteTimeout:           5 * time.Second,
	}
	return &Kafka{w: w}, nil
}

func (k *Kafka) Publish(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("kafka: encode event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.Identifier),
		Value: value,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
			{Key: "event-id", Value: []byte(ev.ID)},
		},
	}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: publish %s: %w", ev.Type, err)
	}
	return nil
}

// Close flushes pending async writes.
func (k *Kafka) Close() error {
	return k.w.Close()
}
