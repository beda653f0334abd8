package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ledgerline/backend/internal/models"
)

// ReadStore is the query-side replica. Only the replication consumer writes
// to it.
type ReadStore interface {
	TransactionReader

	GetUser(ctx context.Context, id string) (*models.User, error)
	InsertUser(ctx context.Context, user *models.User) error
	UpdateUser(ctx context.Context, user *models.User) error
	DeleteUser(ctx context.Context, id string) error

	InsertAccount(ctx context.Context, account *models.Account) error
	UpdateAccount(ctx context.Context, account *models.Account) error
	DeleteAccount(ctx context.Context, id string) error

	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	InsertTransaction(ctx context.Context, tx *models.Transaction) error
	UpdateTransaction(ctx context.Context, tx *models.Transaction) error
	DeleteTransaction(ctx context.Context, id string) error
}

// TransactionReader is the read path used by the query service.
type TransactionReader interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	ListTransactions(ctx context.Context, userID string, filter TransactionFilter, ordering Ordering) ([]models.Transaction, error)
}

// TransactionFilter narrows a listing. Start and End are calendar dates;
// both bounds are inclusive.
type TransactionFilter struct {
	AccountID string
	Type      string
	Start     *time.Time
	End       *time.Time
}

type PostgresReadStore struct {
	db *sql.DB
}

func NewPostgresReadStore(db *sql.DB) *PostgresReadStore {
	return &PostgresReadStore{db: db}
}

func (s *PostgresReadStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, created_at
		FROM users
		WHERE id = $1`, id).Scan(&user.ID, &user.Username, &user.Email, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

func (s *PostgresReadStore) InsertUser(ctx context.Context, user *models.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`,
		user.ID, user.Username, user.Email, user.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

func (s *PostgresReadStore) UpdateUser(ctx context.Context, user *models.User) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET username = $1, email = $2, created_at = $3
		WHERE id = $4`,
		user.Username, user.Email, user.CreatedAt, user.ID)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

func (s *PostgresReadStore) DeleteUser(ctx context.Context, id string) error {
	return s.delete(ctx, "users", id)
}

func (s *PostgresReadStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	var account models.Account
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, balance, version, updated_at
		FROM accounts
		WHERE id = $1`, id).Scan(&account.ID, &account.OwnerID, &account.Balance, &account.Version, &account.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

func (s *PostgresReadStore) InsertAccount(ctx context.Context, account *models.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, owner_id, balance, version, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		account.ID, account.OwnerID, account.Balance, account.Version, account.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

func (s *PostgresReadStore) UpdateAccount(ctx context.Context, account *models.Account) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET owner_id = $1, balance = $2, version = $3, updated_at = $4
		WHERE id = $5`,
		account.OwnerID, account.Balance, account.Version, account.UpdatedAt, account.ID)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	return nil
}

func (s *PostgresReadStore) DeleteAccount(ctx context.Context, id string) error {
	return s.delete(ctx, "accounts", id)
}

func (s *PostgresReadStore) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions t
		WHERE t.id = $1`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

func (s *PostgresReadStore) InsertTransaction(ctx context.Context, tx *models.Transaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (id, account_id, owner_id, amount, resulting_balance, type, description, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		tx.ID, tx.AccountID, tx.OwnerID, tx.Amount, tx.ResultingBalance, tx.Type, tx.Description, tx.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (s *PostgresReadStore) UpdateTransaction(ctx context.Context, tx *models.Transaction) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET account_id = $1, owner_id = $2, amount = $3, resulting_balance = $4, type = $5, description = $6, occurred_at = $7
		WHERE id = $8`,
		tx.AccountID, tx.OwnerID, tx.Amount, tx.ResultingBalance, tx.Type, tx.Description, tx.OccurredAt, tx.ID)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	return nil
}

func (s *PostgresReadStore) DeleteTransaction(ctx context.Context, id string) error {
	return s.delete(ctx, "transactions", id)
}

// table is never user input.
func (s *PostgresReadStore) delete(ctx context.Context, table, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = $1", id); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	return nil
}

const transactionColumns = "t.id, t.account_id, t.owner_id, t.amount, t.resulting_balance, t.type, t.description, t.occurred_at"

// ListTransactions returns every transaction on accounts owned by userID that
// matches filter, in the given order with id as the tie breaker.
func (s *PostgresReadStore) ListTransactions(ctx context.Context, userID string, filter TransactionFilter, ordering Ordering) ([]models.Transaction, error) {
	var (
		where = []string{"a.owner_id = $1"}
		args  = []any{userID}
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.AccountID != "" {
		add("t.account_id = $%d", filter.AccountID)
	}
	if filter.Type != "" {
		add("t.type = $%d", filter.Type)
	}
	if filter.Start != nil {
		add("t.occurred_at >= $%d", startOfDay(*filter.Start))
	}
	if filter.End != nil {
		add("t.occurred_at < $%d", startOfDay(*filter.End).AddDate(0, 0, 1))
	}

	query := `
		SELECT ` + transactionColumns + `
		FROM transactions t
		JOIN accounts a ON a.id = t.account_id
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY ` + ordering.sql()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var transactions []models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return transactions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var tx models.Transaction
	err := row.Scan(&tx.ID, &tx.AccountID, &tx.OwnerID, &tx.Amount, &tx.ResultingBalance,
		&tx.Type, &tx.Description, &tx.OccurredAt)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
