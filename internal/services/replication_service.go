package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ledgerline/backend/internal/broker"
	"github.com/ledgerline/backend/internal/metrics"
	"github.com/ledgerline/backend/internal/models"
)

// CacheInvalidator drops every cached entry of a namespace.
type CacheInvalidator interface {
	InvalidateNamespace(ctx context.Context, namespace string) error
}

// EnvelopeSender re-publishes an envelope to a named topic.
type EnvelopeSender interface {
	Send(ctx context.Context, topic string, envelope *models.ChangeEvent) error
}

type ReplicationOptions struct {
	// MaxRequeues bounds how often an unresolved event is requeued before it
	// is dead lettered.
	MaxRequeues int
	// RequeueDelay is the wait before the first re-apply. It doubles with
	// every further requeue. Zero re-applies immediately.
	RequeueDelay time.Duration
}

// ReplicationService applies change events to the read store. Messages are
// acknowledged on receipt, so every failure ends here: logged, requeued when
// a reference is not yet replicated, or dropped.
type ReplicationService struct {
	store  ReadStore
	cache  CacheInvalidator
	sender EnvelopeSender
	opts   ReplicationOptions
	logger *zap.Logger
	now    func() time.Time
}

func NewReplicationService(store ReadStore, cache CacheInvalidator, sender EnvelopeSender, opts ReplicationOptions, logger *zap.Logger) *ReplicationService {
	return &ReplicationService{
		store:  store,
		cache:  cache,
		sender: sender,
		opts:   opts,
		logger: logger.With(zap.String("component", "replication")),
		now:    time.Now,
	}
}

// Run consumes every topic with its own sequential loop until ctx is done or
// a loop fails.
func (s *ReplicationService) Run(ctx context.Context, b broker.Broker, topics []string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, topic := range topics {
		g.Go(func() error {
			return b.Consume(ctx, topic, s.Handle)
		})
	}
	return g.Wait()
}

// Handle is the broker handler for one message. It only returns an error
// for bodies that are not change events.
func (s *ReplicationService) Handle(ctx context.Context, body []byte) error {
	event, err := models.DecodeChangeEvent(body)
	if err != nil {
		metrics.EventsConsumed.WithLabelValues("unknown", "malformed").Inc()
		return err
	}

	entityID, _ := event.Data.GetString("id")
	logger := s.logger.With(
		zap.String("topic", event.Topic()),
		zap.String("event", event.Event),
		zap.String("model", event.Model),
		zap.String("entity_id", entityID),
		zap.String("event_id", event.EventID),
	)

	if !s.waitUntilDue(ctx, event) {
		s.park(event, logger)
		return nil
	}

	err = s.Apply(ctx, event)
	switch {
	case err == nil:
		metrics.EventsConsumed.WithLabelValues(event.Model, "applied").Inc()
		logger.Debug("change event applied")
	case errors.Is(err, ErrUnresolvedReference):
		s.requeue(ctx, event, err, logger)
	default:
		metrics.EventsConsumed.WithLabelValues(event.Model, "dropped").Inc()
		logger.Error("change event dropped", zap.Error(err))
	}
	return nil
}

// requeue puts the event back at the tail of its topic so its dependency can
// arrive first, holding it back with a growing delay. Past MaxRequeues it goes
// to the dead letter topic.
func (s *ReplicationService) requeue(ctx context.Context, event *models.ChangeEvent, cause error, logger *zap.Logger) {
	if s.sender == nil {
		metrics.EventsConsumed.WithLabelValues(event.Model, "dropped").Inc()
		logger.Error("change event dropped", zap.Error(cause))
		return
	}

	retry := *event
	retry.Requeues++
	topic := event.Topic()
	outcome := "requeued"
	if retry.Requeues > s.opts.MaxRequeues {
		topic = DeadLetterTopic(event.Topic())
		outcome = "dead_lettered"
		retry.NotBefore = ""
	} else if delay := s.requeueDelay(retry.Requeues); delay > 0 {
		retry.NotBefore = models.FormatTimestamp(s.now().Add(delay))
	}

	if err := s.sender.Send(ctx, topic, &retry); err != nil {
		metrics.EventsConsumed.WithLabelValues(event.Model, "dropped").Inc()
		logger.Error("change event dropped, requeue failed", zap.Error(cause), zap.NamedError("requeue_error", err))
		return
	}

	metrics.EventsConsumed.WithLabelValues(event.Model, outcome).Inc()
	if outcome == "dead_lettered" {
		logger.Error("change event dead lettered",
			zap.Error(cause),
			zap.String("dlq", topic),
			zap.Int("requeues", event.Requeues),
		)
		return
	}
	logger.Warn("change event requeued",
		zap.Error(cause),
		zap.Int("requeues", retry.Requeues),
		zap.String("not_before", retry.NotBefore),
	)
}

// requeueDelay is RequeueDelay doubled for every requeue after the first.
func (s *ReplicationService) requeueDelay(requeues int) time.Duration {
	if s.opts.RequeueDelay <= 0 {
		return 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.RequeueDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Minute
	b.Reset()

	var d time.Duration
	for range requeues {
		d = b.NextBackOff()
	}
	return d
}

// waitUntilDue blocks the topic loop until a requeued event may be applied.
// It reports false when ctx ends first.
func (s *ReplicationService) waitUntilDue(ctx context.Context, event *models.ChangeEvent) bool {
	wait := event.DueAt().Sub(s.now())
	if wait <= 0 {
		return true
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// park hands an event that was still waiting at shutdown back to its topic
// unchanged, since the transport has already acknowledged it.
func (s *ReplicationService) park(event *models.ChangeEvent, logger *zap.Logger) {
	if s.sender == nil {
		metrics.EventsConsumed.WithLabelValues(event.Model, "dropped").Inc()
		logger.Error("change event dropped at shutdown")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.sender.Send(ctx, event.Topic(), event); err != nil {
		metrics.EventsConsumed.WithLabelValues(event.Model, "dropped").Inc()
		logger.Error("change event dropped at shutdown", zap.Error(err))
		return
	}
	logger.Info("pending change event returned to its topic", zap.String("not_before", event.NotBefore))
}

func DeadLetterTopic(topic string) string {
	return topic + "_dlq"
}

// Apply performs the read store change described by event.
func (s *ReplicationService) Apply(ctx context.Context, event *models.ChangeEvent) error {
	var err error
	switch event.Model {
	case models.EntityUser:
		err = s.applyUser(ctx, event)
	case models.EntityAccount:
		err = s.applyAccount(ctx, event)
	case models.EntityTransaction:
		err = s.applyTransaction(ctx, event)
		// any transaction event may change any listing
		if cacheErr := s.invalidate(ctx); cacheErr != nil && err == nil {
			err = cacheErr
		}
	default:
		return fmt.Errorf("unknown model %q", event.Model)
	}
	return err
}

func (s *ReplicationService) invalidate(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.InvalidateNamespace(ctx, TransactionNamespace); err != nil {
		return fmt.Errorf("failed to invalidate transaction cache: %w", err)
	}
	return nil
}

func (s *ReplicationService) applyUser(ctx context.Context, event *models.ChangeEvent) error {
	id, err := event.Data.GetString("id")
	if err != nil {
		return err
	}

	switch event.Event {
	case models.EventCreated:
		user := &models.User{ID: id}
		if err := mergeUser(user, event.Data); err != nil {
			return err
		}
		return s.store.InsertUser(ctx, user)

	case models.EventUpdated:
		user, err := s.store.GetUser(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := mergeUser(user, event.Data); err != nil {
			return err
		}
		return s.store.UpdateUser(ctx, user)

	case models.EventDeleted:
		return s.store.DeleteUser(ctx, id)
	}
	return fmt.Errorf("unknown event kind %q", event.Event)
}

func (s *ReplicationService) applyAccount(ctx context.Context, event *models.ChangeEvent) error {
	id, err := event.Data.GetString("id")
	if err != nil {
		return err
	}

	switch event.Event {
	case models.EventCreated:
		account := &models.Account{ID: id}
		if err := mergeAccount(account, event.Data); err != nil {
			return err
		}
		if err := s.requireUser(ctx, account.OwnerID); err != nil {
			return err
		}
		return s.store.InsertAccount(ctx, account)

	case models.EventUpdated:
		account, err := s.store.GetAccount(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// the created event has not been applied yet
			return fmt.Errorf("%w: account %s", ErrUnresolvedReference, id)
		}
		if err != nil {
			return err
		}
		if event.Data.Has("version") {
			version, err := event.Data.GetInt64("version")
			if err != nil {
				return err
			}
			if version <= int64(account.Version) {
				s.logger.Debug("stale account update skipped",
					zap.String("account_id", id),
					zap.Int64("version", version),
					zap.Int("current_version", account.Version),
				)
				return nil
			}
		}
		if err := mergeAccount(account, event.Data); err != nil {
			return err
		}
		if event.Data.Has("owner_id") {
			if err := s.requireUser(ctx, account.OwnerID); err != nil {
				return err
			}
		}
		return s.store.UpdateAccount(ctx, account)

	case models.EventDeleted:
		return s.store.DeleteAccount(ctx, id)
	}
	return fmt.Errorf("unknown event kind %q", event.Event)
}

func (s *ReplicationService) applyTransaction(ctx context.Context, event *models.ChangeEvent) error {
	id, err := event.Data.GetString("id")
	if err != nil {
		return err
	}

	switch event.Event {
	case models.EventCreated:
		tx := &models.Transaction{ID: id}
		if err := mergeTransaction(tx, event.Data); err != nil {
			return err
		}
		if err := s.requireAccount(ctx, tx); err != nil {
			return err
		}
		return s.store.InsertTransaction(ctx, tx)

	case models.EventUpdated:
		tx, err := s.store.GetTransaction(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := mergeTransaction(tx, event.Data); err != nil {
			return err
		}
		if event.Data.Has("account_id") || event.Data.Has("owner_id") {
			if err := s.requireAccount(ctx, tx); err != nil {
				return err
			}
		}
		return s.store.UpdateTransaction(ctx, tx)

	case models.EventDeleted:
		return s.store.DeleteTransaction(ctx, id)
	}
	return fmt.Errorf("unknown event kind %q", event.Event)
}

func (s *ReplicationService) requireUser(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: owner missing", ErrUnresolvedReference)
	}
	_, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: user %s", ErrUnresolvedReference, userID)
	}
	return err
}

// requireAccount resolves the account and owner of tx. The owner defaults to
// the account owner when the payload omits it.
func (s *ReplicationService) requireAccount(ctx context.Context, tx *models.Transaction) error {
	account, err := s.store.GetAccount(ctx, tx.AccountID)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: account %s", ErrUnresolvedReference, tx.AccountID)
	}
	if err != nil {
		return err
	}
	if tx.OwnerID == "" {
		tx.OwnerID = account.OwnerID
		return nil
	}
	if tx.OwnerID != account.OwnerID {
		return s.requireUser(ctx, tx.OwnerID)
	}
	return nil
}

// merge* overwrite only the attributes present in the payload.

func mergeUser(u *models.User, data models.Payload) error {
	var err error
	if data.Has("username") {
		if u.Username, err = data.GetString("username"); err != nil {
			return err
		}
	}
	if data.Has("email") {
		if u.Email, err = data.GetString("email"); err != nil {
			return err
		}
	}
	if data.Has("created_at") {
		if u.CreatedAt, err = data.GetTime("created_at"); err != nil {
			return err
		}
	}
	return nil
}

func mergeAccount(a *models.Account, data models.Payload) error {
	var err error
	if data.Has("owner_id") {
		if a.OwnerID, err = data.GetString("owner_id"); err != nil {
			return err
		}
	}
	if data.Has("balance") {
		if a.Balance, err = data.GetInt64("balance"); err != nil {
			return err
		}
	}
	if data.Has("version") {
		v, err := data.GetInt64("version")
		if err != nil {
			return err
		}
		a.Version = int(v)
	}
	if data.Has("updated_at") {
		if a.UpdatedAt, err = data.GetTime("updated_at"); err != nil {
			return err
		}
	}
	return nil
}

func mergeTransaction(t *models.Transaction, data models.Payload) error {
	var err error
	for _, f := range []struct {
		key string
		dst *string
	}{
		{"account_id", &t.AccountID},
		{"owner_id", &t.OwnerID},
		{"type", &t.Type},
		{"description", &t.Description},
	} {
		if data.Has(f.key) {
			if *f.dst, err = data.GetString(f.key); err != nil {
				return err
			}
		}
	}
	if data.Has("amount") {
		if t.Amount, err = data.GetInt64("amount"); err != nil {
			return err
		}
	}
	if data.Has("resulting_balance") {
		if t.ResultingBalance, err = data.GetInt64("resulting_balance"); err != nil {
			return err
		}
	}
	if data.Has("occurred_at") {
		if t.OccurredAt, err = data.GetTime("occurred_at"); err != nil {
			return err
		}
	}
	return nil
}

// ReplicationTopics lists the topics the consumer subscribes to.
func ReplicationTopics(appLabel, userAppLabel string) []string {
	return []string{
		models.TopicName(userAppLabel, models.EntityUser),
		models.TopicName(appLabel, models.EntityAccount),
		models.TopicName(appLabel, models.EntityTransaction),
	}
}
