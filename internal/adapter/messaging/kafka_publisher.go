package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	otelkafka "github.com/Trendyol/otel-kafka-konsumer"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/bom-stock/internal/config"
	"github.com/rl1809/bom-stock/internal/core/domain"
	"github.com/rl1809/bom-stock/internal/port"
)

// Producer is satisfied by *otelkafka.Writer. Messages go out one at a time so
// the trace context is injected into each message's headers.
type Producer interface {
	WriteMessage(ctx context.Context, msg kafka.Message) error
	Close() error
}

// NewProducer builds a traced Kafka writer for the configured broker and topic.
func NewProducer(cfg *config.Config, tp trace.TracerProvider) (Producer, error) {
	baseWriter := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.KafkaBroker),
		Topic:                  cfg.KafkaTopic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           config.BatchTimeout,
		BatchSize:              config.BatchSize,
		AllowAutoTopicCreation: true,
	}

	writer, err := otelkafka.NewWriter(baseWriter,
		otelkafka.WithTracerProvider(tp),
		otelkafka.WithPropagator(propagation.TraceContext{}),
		otelkafka.WithAttributes(
			[]attribute.KeyValue{
				semconv.MessagingDestinationNameKey.String(cfg.KafkaTopic),
				attribute.String("messaging.kafka.client_id", config.ServiceName),
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka writer: %w", err)
	}
	return writer, nil
}

// KafkaPublisher emits stock and order events as JSON. Stock events are keyed
// by catalog id so every change to one entry lands on the same partition.
type KafkaPublisher struct {
	producer Producer
	logger   *zap.Logger
}

var _ port.EventPublisher = (*KafkaPublisher)(nil)

func NewKafkaPublisher(producer Producer, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, logger: logger}
}

func (p *KafkaPublisher) PublishStockEvents(ctx context.Context, events []domain.StockEvent) error {
	var errs error
	for _, e := range events {
		if err := p.publish(ctx, e.ID, string(e.Type), e); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

func (p *KafkaPublisher) PublishOrderEvent(ctx context.Context, event domain.OrderEvent) error {
	return p.publish(ctx, event.OrderID, string(event.Type), event)
}

func (p *KafkaPublisher) publish(ctx context.Context, key, eventType string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(eventType)},
		},
	}
	if err := p.producer.WriteMessage(ctx, msg); err != nil {
		return fmt.Errorf("publish %s event for %s: %w", eventType, key, err)
	}
	p.logger.Debug("event published", zap.String("type", eventType), zap.String("key", key))
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
