package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ledgerline/backend/internal/models"
)

// LedgerStore is the command-side source of truth.
type LedgerStore interface {
	InsertAccount(ctx context.Context, account *models.Account) error
	// WithLockedAccount runs fn in one unit of work holding an exclusive lock
	// on the account row. A nil return from fn commits, anything else rolls
	// back. Returns ErrNotFound when the account does not exist.
	WithLockedAccount(ctx context.Context, accountID string, fn func(ctx context.Context, tx LedgerTx, account *models.Account) error) error
}

// LedgerTx is the set of writes allowed while an account is locked.
type LedgerTx interface {
	SaveAccount(ctx context.Context, account *models.Account) error
	AppendTransaction(ctx context.Context, t *models.Transaction) error
}

// PostgresLedgerStore locks with SELECT ... FOR UPDATE. A lock wait longer
// than lockTimeout fails with SQLSTATE 55P03, which the service retries.
type PostgresLedgerStore struct {
	db          *sql.DB
	lockTimeout time.Duration
}

func NewPostgresLedgerStore(db *sql.DB, lockTimeout time.Duration) *PostgresLedgerStore {
	return &PostgresLedgerStore{db: db, lockTimeout: lockTimeout}
}

func (s *PostgresLedgerStore) InsertAccount(ctx context.Context, account *models.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, owner_id, balance, version, updated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		account.ID, account.OwnerID, account.Balance, account.Version, account.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

func (s *PostgresLedgerStore) WithLockedAccount(ctx context.Context, accountID string, fn func(ctx context.Context, tx LedgerTx, account *models.Account) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if s.lockTimeout > 0 {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("failed to set lock timeout: %w", err)
		}
	}

	account, err := s.lockAccount(ctx, tx, accountID)
	if err != nil {
		return err
	}

	if err := fn(ctx, &pgLedgerTx{tx: tx}, account); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresLedgerStore) lockAccount(ctx context.Context, tx *sql.Tx, accountID string) (*models.Account, error) {
	var account models.Account
	err := tx.QueryRowContext(ctx, `
		SELECT id, owner_id, balance, version, updated_at
		FROM accounts
		WHERE id = $1
		FOR UPDATE`, accountID).Scan(&account.ID, &account.OwnerID, &account.Balance, &account.Version, &account.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock account %s: %w", accountID, err)
	}
	return &account, nil
}

type pgLedgerTx struct {
	tx *sql.Tx
}

func (t *pgLedgerTx) SaveAccount(ctx context.Context, account *models.Account) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = $1, version = $2, updated_at = $3
		WHERE id = $4`,
		account.Balance, account.Version, account.UpdatedAt, account.ID)
	if err != nil {
		return fmt.Errorf("failed to update account balance: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: account %s", ErrNotFound, account.ID)
	}
	return nil
}

func (t *pgLedgerTx) AppendTransaction(ctx context.Context, record *models.Transaction) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO transactions (id, account_id, owner_id, amount, resulting_balance, type, description, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		record.ID, record.AccountID, record.OwnerID, record.Amount, record.ResultingBalance,
		record.Type, record.Description, record.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}
