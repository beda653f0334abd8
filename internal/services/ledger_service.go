package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ledgerline/backend/internal/audit"
	"github.com/ledgerline/backend/internal/metrics"
	"github.com/ledgerline/backend/internal/models"
)

// ChangePublisher receives the post-commit change events of the ledger.
type ChangePublisher interface {
	PublishAccount(ctx context.Context, event string, account *models.Account) error
	PublishTransaction(ctx context.Context, event string, tx *models.Transaction) error
}

// RetryPolicy bounds the retries of a unit of work that hit a transient
// lock or serialization conflict.
type RetryPolicy struct {
	Attempts uint
	Base     time.Duration
	Factor   float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 5, Base: time.Second, Factor: 2}
}

// LedgerService is the only writer of the ledger store. Every balance change
// happens under the account row lock and appends exactly one transaction.
type LedgerService struct {
	store     LedgerStore
	publisher ChangePublisher
	audit     *audit.AuditLogger
	logger    *zap.Logger
	retry     RetryPolicy

	publishTimeout time.Duration
	now            func() time.Time
	newID          func() string
}

func NewLedgerService(store LedgerStore, publisher ChangePublisher, retry RetryPolicy, logger *zap.Logger) *LedgerService {
	if retry.Attempts == 0 {
		retry.Attempts = 1
	}
	if retry.Factor < 1 {
		retry.Factor = 1
	}
	logger = logger.With(zap.String("component", "ledger"))
	return &LedgerService{
		store:          store,
		publisher:      publisher,
		audit:          audit.NewAuditLogger(logger),
		logger:         logger,
		retry:          retry,
		publishTimeout: 5 * time.Second,
		now:            func() time.Time { return time.Now().UTC() },
		newID:          uuid.NewString,
	}
}

// OpenAccount creates an empty account for ownerID.
func (s *LedgerService) OpenAccount(ctx context.Context, ownerID string) (*models.Account, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrValidation)
	}

	account := &models.Account{
		ID:        s.newID(),
		OwnerID:   ownerID,
		Balance:   0,
		Version:   1,
		UpdatedAt: s.now(),
	}
	if err := s.store.InsertAccount(ctx, account); err != nil {
		s.audit.LogError(audit.EventOpenAccount, account.ID, ownerID, 0, err)
		return nil, err
	}

	s.audit.LogMutation(audit.EventOpenAccount, "", account.ID, ownerID, 0, 0)
	s.emit(ctx, func(ctx context.Context) error {
		return s.publisher.PublishAccount(ctx, models.EventCreated, account)
	})
	return account, nil
}

func (s *LedgerService) Deposit(ctx context.Context, accountID string, amount int64, description, userID string) (*models.MutationResult, error) {
	return s.mutate(ctx, models.TransactionTypeDeposit, accountID, amount, description, userID)
}

func (s *LedgerService) Withdraw(ctx context.Context, accountID string, amount int64, description, userID string) (*models.MutationResult, error) {
	return s.mutate(ctx, models.TransactionTypeWithdraw, accountID, amount, description, userID)
}

func (s *LedgerService) mutate(ctx context.Context, txType, accountID string, amount int64, description, userID string) (*models.MutationResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be a positive integer", ErrValidation)
	}
	if accountID == "" {
		return nil, fmt.Errorf("%w: account is required", ErrValidation)
	}

	logger := s.logger.With(
		zap.String("type", txType),
		zap.String("account_id", accountID),
		zap.Int64("amount", amount),
	)

	var (
		account models.Account
		record  models.Transaction
	)
	apply := func(ctx context.Context, tx LedgerTx, locked *models.Account) error {
		if locked.OwnerID != userID {
			return fmt.Errorf("%w: account %s is not owned by requester", ErrAuthorization, locked.ID)
		}

		newBalance := locked.Balance + amount
		if txType == models.TransactionTypeWithdraw {
			if locked.Balance < amount {
				return fmt.Errorf("%w: balance %d is below %d", ErrInsufficientFunds, locked.Balance, amount)
			}
			newBalance = locked.Balance - amount
		}

		now := s.now()
		locked.Balance = newBalance
		locked.Version++
		locked.UpdatedAt = now
		if err := tx.SaveAccount(ctx, locked); err != nil {
			return err
		}

		record = models.Transaction{
			ID:               s.newID(),
			AccountID:        locked.ID,
			OwnerID:          locked.OwnerID,
			Amount:           amount,
			ResultingBalance: newBalance,
			Type:             txType,
			Description:      description,
			OccurredAt:       now,
		}
		if err := tx.AppendTransaction(ctx, &record); err != nil {
			return err
		}
		account = *locked
		return nil
	}

	operation := func() (struct{}, error) {
		err := s.store.WithLockedAccount(ctx, accountID, apply)
		if err != nil && !isTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(s.backOff()),
		backoff.WithMaxTries(s.retry.Attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			metrics.LedgerRetries.Inc()
			logger.Warn("transient store conflict, retrying",
				zap.Error(err),
				zap.Duration("delay", next),
			)
		}),
	)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Err
		}
		if isTransient(err) && !errors.Is(err, ErrTransientStore) {
			err = fmt.Errorf("%w: retries exhausted: %v", ErrTransientStore, err)
		}
		metrics.LedgerMutations.WithLabelValues(txType, outcome(err)).Inc()
		s.audit.LogError(auditEvent(txType), accountID, userID, amount, err)
		return nil, err
	}

	metrics.LedgerMutations.WithLabelValues(txType, "success").Inc()
	s.audit.LogMutation(auditEvent(txType), record.ID, account.ID, userID, amount, account.Balance)

	s.emit(ctx, func(ctx context.Context) error {
		return s.publisher.PublishAccount(ctx, models.EventUpdated, &account)
	})
	s.emit(ctx, func(ctx context.Context) error {
		return s.publisher.PublishTransaction(ctx, models.EventCreated, &record)
	})

	return &models.MutationResult{
		AccountID:     account.ID,
		Balance:       account.Balance,
		TransactionID: record.ID,
	}, nil
}

// emit runs a post-commit publish. Failures are logged and dropped: the
// committed mutation stands and the read side catches up on the next event.
func (s *LedgerService) emit(ctx context.Context, publish func(ctx context.Context) error) {
	if s.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	defer cancel()

	if err := publish(ctx); err != nil {
		s.logger.Error("change event dropped after commit", zap.Error(err))
	}
}

func (s *LedgerService) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retry.Base
	b.Multiplier = s.retry.Factor
	b.RandomizationFactor = 0
	b.MaxInterval = time.Minute
	return b
}

func auditEvent(txType string) string {
	if txType == models.TransactionTypeWithdraw {
		return audit.EventWithdraw
	}
	return audit.EventDeposit
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrAuthorization):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTransientStore):
		return "transient"
	default:
		return "error"
	}
}
