package kafka_infra

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"eventrelay/internal/domain"
)

// Header names carrying message identity and correlation across the broker.
const (
	HeaderMessageID     = "message_id"
	HeaderEventType     = "event_type"
	HeaderCorrelationID = "correlation_id"
	HeaderCausationID   = "causation_id"
	HeaderOrderingKey   = "ordering_key"
)

// Publisher implements the processor's Transport on kafka-go. Writes are
// synchronous: the processor must see publish failures to schedule retries,
// so fire-and-forget is not an option here.
type Publisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

func NewPublisher(brokerURLs []string, topic string, logger *zap.Logger) *Publisher {
	writer := &kafka.Writer{
		Addr:  kafka.TCP(brokerURLs...),
		Topic: topic,
		// Hash keeps messages with the same ordering key on one partition.
		Balancer:     &kafka.Hash{},
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  1,
		Logger:       kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Debug(fmt.Sprintf(msg, args...)) }),
		ErrorLogger:  kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Error(fmt.Sprintf(msg, args...)) }),
	}
	return &Publisher{writer: writer, logger: logger}
}

func (p *Publisher) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	key := msg.OrderingKey
	if key == "" {
		key = msg.ID
	}

	kafkaMsg := kafka.Message{
		Key:   []byte(key),
		Value: msg.Payload,
		Headers: []kafka.Header{
			{Key: HeaderMessageID, Value: []byte(msg.ID)},
			{Key: HeaderEventType, Value: []byte(msg.Type)},
			{Key: HeaderCorrelationID, Value: []byte(msg.CorrelationID)},
			{Key: HeaderCausationID, Value: []byte(msg.CausationID)},
			{Key: HeaderOrderingKey, Value: []byte(msg.OrderingKey)},
		},
	}

	if err := p.writer.WriteMessages(ctx, kafkaMsg); err != nil {
		return fmt.Errorf("failed to produce message %s to kafka: %w", msg.ID, err)
	}
	p.logger.Debug("message produced to kafka",
		zap.String("message_id", msg.ID),
		zap.String("type", msg.Type),
	)
	return nil
}

func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka producer: %w", err)
	}
	p.logger.Info("kafka producer closed")
	return nil
}
