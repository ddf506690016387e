package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"gitlab.com/distributed_lab/logan/v3"

	"atomic-pek/internal/domain"
)

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes transitions to a Kafka topic keyed by swap id, so
// one swap's transitions stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher creates an asynchronous publisher. Delivery failures
// are reported to log since Publish returns before the broker acknowledges.
func NewKafkaPublisher(brokers []string, topic string, log *logan.Entry) *KafkaPublisher {
	log = log.WithField("topic", topic)
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        true,
			BatchTimeout: 10 * time.Millisecond,
			Completion: func(messages []kafka.Message, err error) {
				if err != nil {
					log.WithError(err).WithField("messages", len(messages)).Error("failed to deliver transition events")
				}
			},
		},
	}
}

// transitionMessage is the JSON value of a published transition.
type transitionMessage struct {
	SwapID      string    `json:"swap_id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Detail      string    `json:"detail,omitempty"`
	Amount      string    `json:"amount"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	At          time.Time `json:"at"`
}

func encodeMessage(ev domain.TransitionEvent) (kafka.Message, error) {
	value, err := json.Marshal(transitionMessage{
		SwapID:      ev.SwapID,
		From:        ev.From.String(),
		To:          ev.To.String(),
		Detail:      ev.Detail,
		Amount:      ev.Amount.String(),
		ErrorDetail: ev.ErrorDetail,
		At:          ev.At.UTC(),
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal transition: %w", err)
	}
	return kafka.Message{
		Key:   []byte(ev.SwapID),
		Value: value,
		Time:  ev.At,
	}, nil
}

// Publish enqueues ev for delivery.
func (p *KafkaPublisher) Publish(ctx context.Context, ev domain.TransitionEvent) error {
	msg, err := encodeMessage(ev)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write transition %s: %w", ev.SwapID, err)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

var _ Sink = (*KafkaPublisher)(nil)
