package audit

import (
	"time"

	"go.uber.org/zap"
)

// Event types
const (
	EventDeposit     = "DEPOSIT"
	EventWithdraw    = "WITHDRAW"
	EventOpenAccount = "OPEN_ACCOUNT"
	EventError       = "ERROR"
)

type AuditEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	EventType     string    `json:"event_type"`
	TransactionID string    `json:"transaction_id,omitempty"`
	AccountID     string    `json:"account_id"`
	UserID        string    `json:"user_id"`
	Amount        int64     `json:"amount,omitempty"`
	Balance       int64     `json:"balance"`
	Status        string    `json:"status"`
	Details       string    `json:"details,omitempty"`
}

// AuditLogger writes one structured record per ledger mutation attempt.
type AuditLogger struct {
	logger *zap.Logger
}

func NewAuditLogger(logger *zap.Logger) *AuditLogger {
	return &AuditLogger{logger: logger.Named("audit")}
}

func (a *AuditLogger) LogMutation(eventType, transactionID, accountID, userID string, amount, balance int64) {
	a.log(AuditEvent{
		Timestamp:     time.Now().UTC(),
		EventType:     eventType,
		TransactionID: transactionID,
		AccountID:     accountID,
		UserID:        userID,
		Amount:        amount,
		Balance:       balance,
		Status:        "SUCCESS",
	})
}

func (a *AuditLogger) LogError(eventType, accountID, userID string, amount int64, err error) {
	a.log(AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: EventError,
		AccountID: accountID,
		UserID:    userID,
		Amount:    amount,
		Status:    "FAILED",
		Details:   eventType + ": " + err.Error(),
	})
}

func (a *AuditLogger) log(event AuditEvent) {
	a.logger.Info("AUDIT",
		zap.Time("timestamp", event.Timestamp),
		zap.String("event_type", event.EventType),
		zap.String("transaction_id", event.TransactionID),
		zap.String("account_id", event.AccountID),
		zap.String("user_id", event.UserID),
		zap.Int64("amount", event.Amount),
		zap.Int64("balance", event.Balance),
		zap.String("status", event.Status),
		zap.String("details", event.Details),
	)
}
