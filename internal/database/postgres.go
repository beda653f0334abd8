package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/ledgerline/backend/internal/config"
)

// Driver names registered by the imported drivers. The ledger store runs on
// lib/pq so SQLSTATE codes surface as *pq.Error; the read store uses pgx.
const (
	LedgerDriver = "postgres"
	ReadDriver   = "pgx"
)

// ConnString renders a key/value DSN understood by both drivers.
func ConnString(cfg config.DBConfig) string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode,
	)
}

// OpenLedgerStore connects to the command-side database.
func OpenLedgerStore(ctx context.Context, cfg config.DBConfig, logger *zap.Logger) (*sql.DB, error) {
	return open(ctx, LedgerDriver, cfg, logger.With(zap.String("store", "ledger")))
}

// OpenReadStore connects to the query-side replica.
func OpenReadStore(ctx context.Context, cfg config.DBConfig, logger *zap.Logger) (*sql.DB, error) {
	return open(ctx, ReadDriver, cfg, logger.With(zap.String("store", "read")))
}

func open(ctx context.Context, driver string, cfg config.DBConfig, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open(driver, ConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err = db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	logger.Info("database connection established",
		zap.String("host", cfg.Host),
		zap.String("name", cfg.Name),
	)
	return db, nil
}
