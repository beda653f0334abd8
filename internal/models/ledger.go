package models

import (
	"time"
)

// Transaction types
const (
	TransactionTypeDeposit  = "deposit"
	TransactionTypeWithdraw = "withdraw"
)

type Account struct {
	ID        string    `json:"id" db:"id"`
	OwnerID   string    `json:"owner_id" db:"owner_id"`
	Balance   int64     `json:"balance" db:"balance"` // in smallest currency unit
	Version   int       `json:"version" db:"version"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Transaction is append-only: one row per successful deposit or withdraw.
type Transaction struct {
	ID               string    `json:"id" db:"id"`
	AccountID        string    `json:"account_id" db:"account_id"`
	OwnerID          string    `json:"owner_id" db:"owner_id"`
	Amount           int64     `json:"amount" db:"amount"`
	ResultingBalance int64     `json:"resulting_balance" db:"resulting_balance"`
	Type             string    `json:"type" db:"type"`
	Description      string    `json:"description" db:"description"`
	OccurredAt       time.Time `json:"occurred_at" db:"occurred_at"`
}

// MutationResult is returned by a successful deposit or withdraw.
type MutationResult struct {
	AccountID     string `json:"account_id"`
	Balance       int64  `json:"balance"`
	TransactionID string `json:"transaction_id"`
}
