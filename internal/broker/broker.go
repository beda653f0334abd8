// Package broker carries change events over durable named topics.
//
// Delivery is at-least-once per topic and ordered by publish order within a
// topic. Messages are acknowledged as soon as they are received; a handler
// error never causes redelivery.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/ledgerline/backend/internal/config"
)

// Handler processes one message body received from a topic.
type Handler func(ctx context.Context, body []byte) error

type Broker interface {
	// Publish appends body to topic. Messages sharing a key keep their
	// relative order on partitioned transports.
	Publish(ctx context.Context, topic, key string, body []byte) error
	// Consume runs a sequential receive loop on topic until ctx is done.
	Consume(ctx context.Context, topic string, handler Handler) error
	Close() error
}

type Options struct {
	// ConsumerGroup names the kafka consumer group; unused by redis.
	ConsumerGroup string
	PopTimeout    time.Duration
}

// New selects the transport named by cfg.Driver.
func New(cfg config.BrokerConfig, rdb *redis.Client, opts Options, logger *zap.Logger) (Broker, error) {
	switch cfg.Driver {
	case "", "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis broker requires a redis client")
		}
		return NewRedisBroker(rdb, opts.PopTimeout, logger), nil
	case "kafka":
		if len(cfg.KafkaBrokers) == 0 {
			return nil, fmt.Errorf("kafka broker requires at least one broker address")
		}
		return NewKafkaBroker(cfg.KafkaBrokers, opts.ConsumerGroup, logger), nil
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Driver)
	}
}
