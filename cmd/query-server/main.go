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

	"github.com/ledgerline/backend/internal/config"
	"github.com/ledgerline/backend/internal/database"
	"github.com/ledgerline/backend/internal/handlers"
	"github.com/ledgerline/backend/internal/logger"
	"github.com/ledgerline/backend/internal/services"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zl, err := logger.New(cfg.LogDevelopment, "query-server")
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zl); err != nil {
		zl.Fatal("query server failed", zap.Error(err))
	}
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

	query := services.NewQueryService(
		services.NewPostgresReadStore(db),
		services.NewQueryCache(rdb, cfg.Query.CacheTTL, zl),
		services.QueryOptions{
			DefaultPageSize: cfg.Query.DefaultPageSize,
			MaxPageSize:     cfg.Query.MaxPageSize,
		},
		zl,
	)

	router := handlers.NewQueryRouter(handlers.NewQueryHandler(query, zl), handlers.RouterConfig{
		JWTSecret: cfg.Auth.JWTSecret,
		Health: map[string]handlers.Pinger{
			"read_db": db,
			"redis":   handlers.RedisPinger{Client: rdb},
		},
		Logger: zl,
	})

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
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
