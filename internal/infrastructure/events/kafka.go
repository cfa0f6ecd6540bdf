package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"stripe-reconciler/internal/domain"
)

const stateChangedEventType = "order_transaction.state_changed"

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
}

func NewKafkaPublisher(writer *kafka.Writer) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

// PublishStateChanged keys messages by order transaction id so one
// transaction's events stay ordered within a partition.
func (p *KafkaPublisher) PublishStateChanged(ctx context.Context, event domain.OrderTransactionStateChanged) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "encode state changed event")
	}

	headers := HeaderCarrier{{Key: "event_type", Value: []byte(stateChangedEventType)}}
	otel.GetTextMapPropagator().Inject(ctx, &headers)

	msg := kafka.Message{
		Key:     []byte(event.OrderTransactionID),
		Value:   payload,
		Headers: headers,
		Time:    event.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("order_transaction_id", event.OrderTransactionID).Msg("failed to publish state change")
		return errors.Wrap(err, "write state changed event")
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// HeaderCarrier adapts kafka headers to the otel propagation carrier.
type HeaderCarrier []kafka.Header

func (c *HeaderCarrier) Get(key string) string {
	for _, h := range *c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *HeaderCarrier) Set(key, value string) {
	for i, h := range *c {
		if h.Key == key {
			(*c)[i].Value = []byte(value)
			return
		}
	}
	*c = append(*c, kafka.Header{Key: key, Value: []byte(value)})
}

func (c *HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(*c))
	for _, h := range *c {
		keys = append(keys, h.Key)
	}
	return keys
}
