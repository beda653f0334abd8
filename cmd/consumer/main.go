package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ledgerline/backend/internal/broker"
	"github.com/ledgerline/backend/internal/config"
	"github.com/ledgerline/backend/internal/database"
	"github.com/ledgerline/backend/internal/events"
	"github.com/ledgerline/backend/internal/logger"
	"github.com/ledgerline/backend/internal/services"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zl, err := logger.New(cfg.LogDevelopment, "consumer")
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zl); err != nil && !errors.Is(err, context.Canceled) {
		zl.Fatal("consumer failed", zap.Error(err))
	}
	zl.Info("consumer stopped")
}

func run(ctx context.Context, cfg *config.Config, zl *zap.Logger) error {
	db, err := database.OpenReadStore(ctx, cfg.ReadDB, zl)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Migrate(ctx, db, database.ReadSchema); err != nil {
		return err
	}

	rdb, err := database.OpenRedis(ctx, cfg.Redis, zl)
	if err != nil {
		return err
	}
	defer rdb.Close()

	b, err := broker.New(cfg.Broker, rdb, broker.Options{
		ConsumerGroup: "replication",
		PopTimeout:    cfg.Consumer.PopTimeout,
	}, zl)
	if err != nil {
		return err
	}
	defer b.Close()

	// requeues and dead letters go out through the same transport
	sender := events.NewPublisher(b, events.PublisherConfig{
		Enabled:      true,
		AppLabel:     cfg.Broker.AppLabel,
		UserAppLabel: cfg.Broker.UserAppLabel,
	}, zl)

	replication := services.NewReplicationService(
		services.NewPostgresReadStore(db),
		services.NewQueryCache(rdb, cfg.Query.CacheTTL, zl),
		sender,
		services.ReplicationOptions{
			MaxRequeues:  cfg.Consumer.MaxRequeues,
			RequeueDelay: cfg.Consumer.RequeueDelay,
		},
		zl,
	)

	topics := services.ReplicationTopics(cfg.Broker.AppLabel, cfg.Broker.UserAppLabel)
	zl.Info("replication consumer starting", zap.Strings("topics", topics))
	return replication.Run(ctx, b, topics)
}
