package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ksred/klear-dex/internal/dex"
	"github.com/ksred/klear-dex/internal/types"
	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer the publisher uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Message is the JSON payload published for every engine event. Consumers
// order the events of one order by Sequence.
type Message struct {
	V         int                 `json:"v"`
	Type      string              `json:"type"`
	OrderID   uint64              `json:"order_id"`
	Sequence  uint64              `json:"sequence"`
	Order     types.OrderResponse `json:"order"`
	Fill      *types.FillResponse `json:"fill,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// Publisher sends committed engine events to a Kafka topic, keyed by order
// id so every event of one order lands on the same partition
type Publisher struct {
	writer messageWriter
}

func NewPublisher(brokers []string, topic string) *Publisher {
	return newPublisher(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	})
}

func newPublisher(w messageWriter) *Publisher {
	return &Publisher{writer: w}
}

// Observe implements dex.Observer
func (p *Publisher) Observe(ctx context.Context, ev dex.Event) error {
	msg := Message{
		V:         1,
		Type:      string(ev.Type),
		OrderID:   ev.Order.ID,
		Sequence:  ev.Sequence,
		Order:     ev.Order.Response(ev.Timestamp),
		Timestamp: ev.Timestamp,
	}
	if ev.Fill != nil {
		fill := ev.Fill.Response()
		msg.Fill = &fill
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", ev.Type, err)
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatUint(ev.Order.ID, 10)),
		Value: value,
		Time:  ev.Timestamp,
	}); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", ev.Type, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
