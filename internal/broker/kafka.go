package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaBroker maps each topic to a Kafka topic. Messages are partitioned by
// key hash so one entity's events stay ordered. Readers join a consumer group
// and commit offsets on receipt, matching the redis transport's semantics.
type KafkaBroker struct {
	brokers []string
	group   string
	writer  *kafka.Writer
	logger  *zap.Logger
}

func NewKafkaBroker(brokers []string, group string, logger *zap.Logger) *KafkaBroker {
	logger = logger.With(zap.String("component", "kafka_broker"))
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		WriteTimeout:           10 * time.Second,
		AllowAutoTopicCreation: true,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...))
		}),
	}
	return &KafkaBroker{
		brokers: brokers,
		group:   group,
		writer:  writer,
		logger:  logger,
	}
}

func (b *KafkaBroker) Publish(ctx context.Context, topic, key string, body []byte) error {
	if err := b.writer.WriteMessages(ctx, newMessage(topic, key, body)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func newMessage(topic, key string, body []byte) kafka.Message {
	msg := kafka.Message{
		Topic: topic,
		Value: body,
		Time:  time.Now(),
	}
	if key != "" {
		msg.Key = []byte(key)
	}
	return msg
}

func (b *KafkaBroker) Consume(ctx context.Context, topic string, handler Handler) error {
	logger := b.logger.With(zap.String("topic", topic), zap.String("group", b.group))
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: b.brokers,
		GroupID: b.group,
		Topic:   topic,
	})
	defer r.Close()

	logger.Info("consumer started")
	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				logger.Info("consumer stopping")
				return ctx.Err()
			}
			logger.Error("failed to read from topic", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		if err := handler(ctx, msg.Value); err != nil {
			logger.Error("failed to process message",
				zap.Error(err),
				zap.Int64("offset", msg.Offset),
				zap.Int("partition", msg.Partition),
			)
		}
	}
}

func (b *KafkaBroker) Close() error {
	return b.writer.Close()
}
