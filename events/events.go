package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"buzzconnect/models"
)

// Kind names a chat event.
type Kind string

const (
	MessageSent     Kind = "message.sent"
	MessageRead     Kind = "message.read"
	RequestCreated  Kind = "request.created"
	RequestAccepted Kind = "request.accepted"
	RequestIgnored  Kind = "request.ignored"
)

// Event is emitted by the backend for downstream consumers such as notifications.
type Event struct {
	Kind      Kind            `json:"kind"`
	Sender    string          `json:"sender"`
	Receiver  string          `json:"receiver"`
	Message   *models.Message `json:"message,omitempty"`
	Count     int64           `json:"count,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Key partitions events by conversation.
func (e Event) Key() string {
	return models.PairKey(e.Sender, e.Receiver)
}

// Publisher delivers chat events. Failures never fail the originating request.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON to a Kafka topic.
type KafkaPublisher struct {
	writer MessageWriter
	log    zerolog.Logger
}

// NewKafkaWriter builds the topic writer.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		Async:        false,
	}
}

// NewKafkaPublisher wraps w.
func NewKafkaPublisher(w MessageWriter, log zerolog.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: w, log: log}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("encode chat event")
		return
	}
	msg := kafka.Message{
		Key:   []byte(ev.Key()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("kafka publish")
	}
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
