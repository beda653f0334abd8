package database

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
)

//go:embed schema/ledger.sql
var LedgerSchema string

//go:embed schema/read.sql
var ReadSchema string

// Migrate applies an idempotent schema in a single transaction.
func Migrate(ctx context.Context, db *sql.DB, schema string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return tx.Commit()
}
