// Package events emits one Kafka record per payout that reaches a terminal
// state, for downstream accounting and notification consumers.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/stablepay-offramp/internal/domain/order"
)

// TerminalEvent is the published record. It carries everything a consumer
// needs without a lookup against the orders store.
type TerminalEvent struct {
	EventID      string          `json:"event_id"`
	OrderID      string          `json:"order_id"`
	Provider     string          `json:"provider"`
	Status       string          `json:"status"`
	Outcome      string          `json:"outcome"`
	Currency     string          `json:"currency"`
	LocalAmount  decimal.Decimal `json:"local_amount"`
	SourceAmount decimal.Decimal `json:"source_amount"`
	TransferHash string          `json:"transfer_hash,omitempty"`
	ReceiptCode  string          `json:"receipt_code,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Close()
}

// Publisher publishes terminal events. Publishing is best effort: a broker
// outage is logged and the payout outcome stands, because the settlement
// store is the source of truth and a consumer can rebuild from it.
type Publisher struct {
	producer producer
	topic    string
	timeout  time.Duration
	lg       *zap.Logger
	now      func() time.Time
}

// NewPublisher connects a producer to broker. Delivery is acknowledged by
// all in-sync replicas before a record counts as published.
func NewPublisher(broker, topic string, lg *zap.Logger) (*Publisher, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": broker,
		"acks":              "all",
		"retries":           3,
		"retry.backoff.ms":  100,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create kafka producer")
	}
	return &Publisher{
		producer: producer,
		topic:    topic,
		timeout:  5 * time.Second,
		lg:       lg.Named("events"),
		now:      time.Now,
	}, nil
}

// PublishTerminal emits the terminal record for ord. It blocks at most the
// delivery timeout and never returns an error to the payout flow.
func (p *Publisher) PublishTerminal(ctx context.Context, ord *order.Order, state, class string) {
	ev := TerminalEvent{
		EventID:      uuid.NewString(),
		OrderID:      ord.ID,
		Provider:     ord.Provider,
		Status:       state,
		Outcome:      class,
		Currency:     string(ord.Currency),
		LocalAmount:  ord.LocalAmount,
		SourceAmount: ord.SourceAmount,
		TransferHash: ord.TransferHash,
		ReceiptCode:  ord.ReceiptCode,
		OccurredAt:   p.now(),
	}
	if err := p.publish(ctx, ev); err != nil {
		p.lg.Error("Terminal event publish failed",
			zap.String("order_id", ord.ID),
			zap.String("event_id", ev.EventID),
			zap.Error(err),
		)
		return
	}
	p.lg.Info("Terminal event published",
		zap.String("order_id", ord.ID),
		zap.String("event_id", ev.EventID),
		zap.String("status", state),
	)
}

func (p *Publisher) publish(ctx context.Context, ev TerminalEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}

	// Buffered so an abandoned wait does not strand the producer's delivery
	// report goroutine.
	deliveryChan := make(chan kafka.Event, 1)
	err = p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: kafka.PartitionAny},
		// Keyed by order so retries of the same order stay in one partition.
		Key:   []byte(ev.OrderID),
		Value: value,
	}, deliveryChan)
	if err != nil {
		return errors.Wrap(err, "produce")
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case e := <-deliveryChan:
		msg, ok := e.(*kafka.Message)
		if !ok {
			return errors.Errorf("unexpected kafka event type %T", e)
		}
		if msg.TopicPartition.Error != nil {
			return errors.Wrap(msg.TopicPartition.Error, "delivery")
		}
		return nil
	case <-timer.C:
		return errors.New("delivery report timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes and releases the underlying producer.
func (p *Publisher) Close() {
	p.producer.Close()
}

// NopSink discards terminal events; used when Kafka publishing is disabled.
type NopSink struct{}

func (NopSink) PublishTerminal(context.Context, *order.Order, string, string) {}
