// internal/services/event_publisher.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/affiliate-backend/internal/config"
)

const (
	EventLedgerEntryAppended = "ledger.entry_appended"
	EventOrderCommitted      = "order.committed"
	EventCommissionConfirmed = "commission.confirmed"
	EventCommissionReversed  = "commission.reversed"
	EventWithdrawalSettled   = "withdrawal.settled"
)

// DomainEvent is emitted after a database commit. Consumers must tolerate
// duplicates and gaps; the ledger tables remain authoritative.
type DomainEvent struct {
	Type       string      `json:"type"`
	Key        string      `json:"key"`
	OccurredAt time.Time   `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}

type EventPublisher interface {
	Publish(ctx context.Context, events ...DomainEvent) error
	Close() error
}

// NewEventPublisher returns a Kafka publisher when brokers are configured and
// a no-op publisher otherwise.
func NewEventPublisher(cfg config.KafkaConfig) EventPublisher {
	if len(cfg.Brokers) == 0 {
		return NoopPublisher{}
	}
	return NewKafkaPublisher(cfg)
}

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(cfg config.KafkaConfig) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			BatchSize:              100,
			BatchTimeout:           10 * time.Millisecond,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, events ...DomainEvent) error {
	messages := make([]kafka.Message, 0, len(events))
	for _, event := range events {
		value, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal event %s: %w", event.Type, err)
		}
		messages = append(messages, kafka.Message{
			// Keyed by affiliate so one affiliate's events stay ordered.
			Key:   []byte(event.Key),
			Value: value,
			Time:  event.OccurredAt,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(event.Type)},
			},
		})
	}
	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		return fmt.Errorf("failed to publish events: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, events ...DomainEvent) error { return nil }
func (NoopPublisher) Close() error                                              { return nil }

// publishQuietly logs publish failures; events never gate a committed result.
func publishQuietly(ctx context.Context, publisher EventPublisher, events ...DomainEvent) {
	if publisher == nil || len(events) == 0 {
		return
	}
	if err := publisher.Publish(ctx, events...); err != nil {
		logrus.WithError(err).WithField("events", len(events)).Warn("Failed to publish domain events")
	}
}

func newEvent(eventType, key string, payload interface{}) DomainEvent {
	return DomainEvent{
		Type:       eventType,
		Key:        key,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}
