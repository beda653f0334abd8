package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerline/backend/internal/metrics"
	"github.com/ledgerline/backend/internal/models"
)

// QueryService answers owner-scoped reads from the read store, caching full
// ordered listings.
type QueryService struct {
	store           TransactionReader
	cache           *QueryCache
	logger          *zap.Logger
	defaultPageSize int
	maxPageSize     int
}

type QueryOptions struct {
	DefaultPageSize int
	MaxPageSize     int
}

func NewQueryService(store TransactionReader, cache *QueryCache, opts QueryOptions, logger *zap.Logger) *QueryService {
	if opts.DefaultPageSize <= 0 {
		opts.DefaultPageSize = 10
	}
	if opts.MaxPageSize < opts.DefaultPageSize {
		opts.MaxPageSize = max(100, opts.DefaultPageSize)
	}
	return &QueryService{
		store:           store,
		cache:           cache,
		logger:          logger.With(zap.String("component", "query")),
		defaultPageSize: opts.DefaultPageSize,
		maxPageSize:     opts.MaxPageSize,
	}
}

// ListTransactions returns one page of the requesting user's transactions.
func (s *QueryService) ListTransactions(ctx context.Context, userID string, filter TransactionFilter, ordering string, req PageRequest) (*TransactionPage, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: requesting user is required", ErrAuthorization)
	}
	if filter.Type != "" && filter.Type != models.TransactionTypeDeposit && filter.Type != models.TransactionTypeWithdraw {
		return nil, fmt.Errorf("%w: unknown transaction type %q", ErrValidation, filter.Type)
	}
	if filter.Start != nil && filter.End != nil && filter.End.Before(*filter.Start) {
		return nil, fmt.Errorf("%w: end date is before start date", ErrValidation)
	}
	order, err := ParseOrdering(ordering)
	if err != nil {
		return nil, err
	}

	if req == nil {
		req = CursorPage{}
	}
	size := req.pageSize()
	switch {
	case size == 0:
		size = s.defaultPageSize
	case size < 0:
		return nil, fmt.Errorf("%w: page size must be positive", ErrValidation)
	case size > s.maxPageSize:
		size = s.maxPageSize
	}

	all, err := s.load(ctx, userID, filter, order)
	if err != nil {
		return nil, err
	}
	return paginate(all, order, req, size)
}

// load returns the full ordered listing, from cache when possible. Cache
// failures degrade to a read store query.
func (s *QueryService) load(ctx context.Context, userID string, filter TransactionFilter, order Ordering) ([]models.Transaction, error) {
	start := time.Now()
	key := CacheKey(userID, filter, order)

	if s.cache != nil {
		var cached []models.Transaction
		hit, err := s.cache.Get(ctx, key, &cached)
		if err != nil {
			s.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		}
		if hit {
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			metrics.QueryDuration.WithLabelValues("cache").Observe(time.Since(start).Seconds())
			return cached, nil
		}
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	}

	all, err := s.store.ListTransactions(ctx, userID, filter, order)
	if err != nil {
		return nil, err
	}
	if all == nil {
		all = []models.Transaction{}
	}
	metrics.QueryDuration.WithLabelValues("store").Observe(time.Since(start).Seconds())

	if s.cache != nil {
		if err := s.cache.Set(ctx, TransactionNamespace, key, all); err != nil {
			s.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return all, nil
}

// GetAccount returns the replicated account if userID owns it.
func (s *QueryService) GetAccount(ctx context.Context, userID, accountID string) (*models.Account, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.OwnerID != userID {
		return nil, fmt.Errorf("%w: account %s is not owned by requester", ErrAuthorization, accountID)
	}
	return account, nil
}
