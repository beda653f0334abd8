package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ledgerline/backend/internal/broker"
	"github.com/ledgerline/backend/internal/config"
	"github.com/ledgerline/backend/internal/database"
	"github.com/ledgerline/backend/internal/events"
	"github.com/ledgerline/backend/internal/handlers"
	"github.com/ledgerline/backend/internal/logger"
	"github.com/ledgerline/backend/internal/services"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zl, err := logger.New(cfg.LogDevelopment, "command-server")
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zl); err != nil {
		zl.Fatal("command server failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, zl *zap.Logger) error {
	db, err := database.OpenLedgerStore(ctx, cfg.LedgerDB, zl)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Migrate(ctx, db, database.LedgerSchema); err != nil {
		return err
	}

	health := map[string]handlers.Pinger{"ledger_db": db}

	var b broker.Broker
	if cfg.Broker.Enabled {
		rdb, err := database.OpenRedis(ctx, cfg.Redis, zl)
		if err != nil {
			return err
		}
		defer rdb.Close()
		health["redis"] = handlers.RedisPinger{Client: rdb}

		b, err = broker.New(cfg.Broker, rdb, broker.Options{}, zl)
		if err != nil {
			return err
		}
		defer b.Close()
	} else {
		zl.Warn("event publication disabled")
	}

	publisher := events.NewPublisher(b, events.PublisherConfig{
		Enabled:      cfg.Broker.Enabled,
		AppLabel:     cfg.Broker.AppLabel,
		UserAppLabel: cfg.Broker.UserAppLabel,
	}, zl)

	ledger := services.NewLedgerService(
		services.NewPostgresLedgerStore(db, cfg.Ledger.LockTimeout),
		publisher,
		services.RetryPolicy{
			Attempts: cfg.Ledger.RetryAttempts,
			Base:     cfg.Ledger.RetryBase,
			Factor:   cfg.Ledger.RetryFactor,
		},
		zl,
	)

	users := services.NewUserService(db, publisher, cfg.Auth, zl)

	router := handlers.NewCommandRouter(handlers.NewLedgerHandler(ledger, zl), handlers.NewUserHandler(users, zl), handlers.RouterConfig{
		JWTSecret: cfg.Auth.JWTSecret,
		Health:    health,
		Logger:    zl,
	})

	return serve(ctx, cfg.HTTPPort, router, zl)
}

func serve(ctx context.Context, port string, handler http.Handler, zl *zap.Logger) error {
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 75 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zl.Info("server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		zl.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
