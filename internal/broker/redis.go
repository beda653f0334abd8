package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisBroker implements topics as Redis lists: LPUSH to publish, BRPOP to
// receive, which keeps FIFO order within a topic. Popping removes the message,
// so receipt is the acknowledgement.
type RedisBroker struct {
	client       *redis.Client
	logger       *zap.Logger
	popTimeout   time.Duration
	errorBackoff time.Duration
}

func NewRedisBroker(client *redis.Client, popTimeout time.Duration, logger *zap.Logger) *RedisBroker {
	if popTimeout <= 0 {
		popTimeout = 5 * time.Second
	}
	return &RedisBroker{
		client:       client,
		logger:       logger.With(zap.String("component", "redis_broker")),
		popTimeout:   popTimeout,
		errorBackoff: time.Second,
	}
}

// Publish ignores key: a redis list is a single ordered partition.
func (b *RedisBroker) Publish(ctx context.Context, topic, key string, body []byte) error {
	if err := b.client.LPush(ctx, topic, string(body)).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBroker) Consume(ctx context.Context, topic string, handler Handler) error {
	logger := b.logger.With(zap.String("topic", topic))
	logger.Info("consumer started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("consumer stopping")
			return ctx.Err()
		default:
		}

		res, err := b.client.BRPop(ctx, b.popTimeout, topic).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			logger.Error("failed to read from topic", zap.Error(err))
			b.sleep(ctx, b.errorBackoff)
			continue
		}
		if len(res) != 2 {
			logger.Warn("unexpected BRPOP reply", zap.Strings("reply", res))
			continue
		}

		if err := handler(ctx, []byte(res[1])); err != nil {
			logger.Error("failed to process message", zap.Error(err))
		}
	}
}

func (b *RedisBroker) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Close is a no-op: the redis client is shared with the query cache and is
// closed by its owner.
func (b *RedisBroker) Close() error {
	return nil
}
