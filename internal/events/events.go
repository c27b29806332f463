// Package events publishes request lifecycle events to Kafka so
// downstream systems (alerting, analytics, audit) can follow request
// progress without polling the store.
//
// Publishing is best effort: a broker outage must never fail or delay
// request processing, so errors are logged and dropped.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	kgo "github.com/segmentio/kafka-go"

	"github.com/argos-intel/argos/internal/model"
)

// Event is one lifecycle transition of a request.
type Event struct {
	RequestID uuid.UUID    `json:"request_id"`
	From      model.Status `json:"from,omitempty"`
	To        model.Status `json:"to"`
	Attempt   int          `json:"attempt"`
	Note      string       `json:"note,omitempty"`
	At        time.Time    `json:"at"`
}

// Publisher emits lifecycle events. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event Event)
	Close() error
}

// KafkaPublisher writes events to a Kafka topic, keyed by request id so
// one request's events stay ordered within a partition.
type KafkaPublisher struct {
	writer  *kgo.Writer
	logger  *slog.Logger
	timeout time.Duration
}

// NewKafkaPublisher creates a publisher for the given brokers and topic.
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("events: no kafka brokers configured")
	}
	if topic == "" {
		return nil, fmt.Errorf("events: kafka topic is required")
	}

	writer := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.LeastBytes{},
		RequiredAcks: kgo.RequireOne,
	}
	return &KafkaPublisher{
		writer:  writer,
		logger:  logger,
		timeout: 3 * time.Second,
	}, nil
}

// Publish writes the event with a short timeout so request processing
// never hangs on a slow broker. Failures are logged, not returned.
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) {
	value, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to marshal lifecycle event", "request_id", event.RequestID, "error", err)
		return
	}

	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err = p.writer.WriteMessages(cctx, kgo.Message{
		Key:   []byte(event.RequestID.String()),
		Value: value,
		Time:  event.At,
	})
	if err != nil {
		p.logger.Error("failed to publish lifecycle event",
			"request_id", event.RequestID, "to", event.To, "error", err)
	}
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NopPublisher discards all events. Used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) {}
func (NopPublisher) Close() error                   { return nil }
