// Package events publishes batch job lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Event types emitted for batch jobs.
const (
	JobCreated   = "batch.job.created"
	JobStarted   = "batch.job.started"
	JobCompleted = "batch.job.completed"
	JobFailed    = "batch.job.failed"
)

// Event is a single lifecycle notification. Key groups related events on
// the same partition.
type Event struct {
	Type    string      `json:"type"`
	Key     string      `json:"key"`
	Payload interface{} `json:"payload,omitempty"`
	Time    time.Time   `json:"time"`
}

// Publisher delivers events to a broker.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
	Close() error
}

// messageWriter is the subset of *kafka.Writer used by KafkaPublisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes JSON encoded events to one topic.
type KafkaPublisher struct {
	w   messageWriter
	now func() time.Time
}

// Writes give up after writeAttempts tries of at most writeTimeout each.
const (
	writeTimeout  = 5 * time.Second
	writeAttempts = 3
)

// NewKafkaPublisher creates a publisher for brokers and topic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		WriteTimeout: writeTimeout,
		MaxAttempts:  writeAttempts,
	})
	return newKafkaPublisher(w)
}

func newKafkaPublisher(w messageWriter) *KafkaPublisher {
	return &KafkaPublisher{w: w, now: time.Now}
}

// Publish encodes and writes events in one call. Events without a time are
// stamped with the current time.
func (p *KafkaPublisher) Publish(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		if ev.Time.IsZero() {
			ev.Time = p.now().UTC()
		}
		b, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", ev.Type, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.Key),
			Value: b,
			Headers: []kafka.Header{
				{Key: "type", Value: []byte(ev.Type)},
			},
		})
	}
	if err := p.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish events: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, ...Event) error { return nil }
func (Nop) Close() error { return nil }
