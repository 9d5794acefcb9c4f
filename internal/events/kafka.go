package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes events to a Kafka topic keyed by order ID, so all
// events for one order land on one partition in order.
type KafkaPublisher struct {
	w      *kafka.Writer
	logger *slog.Logger
}

// NewKafkaPublisher creates an asynchronous writer for topic. Delivery
// errors surface through the writer's completion callback.
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) *KafkaPublisher {
	p := &KafkaPublisher{logger: logger}
	p.w = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion:   p.completed,
	}
	return p
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.OrderID),
		Value: value,
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
			{Key: "event-id", Value: []byte(ev.ID)},
		},
	})
}

func (p *KafkaPublisher) completed(messages []kafka.Message, err error) {
	if err != nil {
		p.logger.Warn("kafka delivery failed", "messages", len(messages), "error", err)
	}
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

// Compile-time assertion that KafkaPublisher implements Publisher.
var _ Publisher = (*KafkaPublisher)(nil)
