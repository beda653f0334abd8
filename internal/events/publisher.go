package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ledgerline/backend/internal/broker"
	"github.com/ledgerline/backend/internal/metrics"
	"github.com/ledgerline/backend/internal/models"
)

// ErrDelivery marks a change event that could not be handed to the broker.
var ErrDelivery = errors.New("change event delivery failed")

// Publisher turns entity mutations into change events on the
// {app_label}_{model}_queue topics. With publication disabled every call is
// a successful no-op.
type Publisher struct {
	broker       broker.Broker
	enabled      bool
	appLabel     string
	userAppLabel string
	logger       *zap.Logger
	now          func() time.Time
}

type PublisherConfig struct {
	Enabled      bool
	AppLabel     string
	UserAppLabel string
}

func NewPublisher(b broker.Broker, cfg PublisherConfig, logger *zap.Logger) *Publisher {
	if cfg.AppLabel == "" {
		cfg.AppLabel = "banking"
	}
	if cfg.UserAppLabel == "" {
		cfg.UserAppLabel = "auth"
	}
	return &Publisher{
		broker:       b,
		enabled:      cfg.Enabled && b != nil,
		appLabel:     cfg.AppLabel,
		userAppLabel: cfg.UserAppLabel,
		logger:       logger.With(zap.String("component", "publisher")),
		now:          time.Now,
	}
}

func (p *Publisher) Enabled() bool {
	return p.enabled
}

func (p *Publisher) PublishAccount(ctx context.Context, event string, account *models.Account) error {
	return p.Publish(ctx, p.appLabel, event, models.EntityAccount, models.AccountPayload(account))
}

func (p *Publisher) PublishTransaction(ctx context.Context, event string, tx *models.Transaction) error {
	return p.Publish(ctx, p.appLabel, event, models.EntityTransaction, models.TransactionPayload(tx))
}

// PublishUser is called by UserService after a registration commits.
func (p *Publisher) PublishUser(ctx context.Context, event string, user *models.User) error {
	return p.Publish(ctx, p.userAppLabel, event, models.EntityUser, models.UserPayload(user))
}

func (p *Publisher) Publish(ctx context.Context, appLabel, event, model string, data models.Payload) error {
	if !p.enabled {
		return nil
	}

	envelope := &models.ChangeEvent{
		EventID:    uuid.NewString(),
		Event:      event,
		AppLabel:   appLabel,
		Model:      model,
		Data:       data,
		OccurredAt: models.FormatTimestamp(p.now()),
	}
	return p.Send(ctx, envelope.Topic(), envelope)
}

// Send delivers an already built envelope to topic. The replication consumer
// uses it to requeue and dead-letter events.
func (p *Publisher) Send(ctx context.Context, topic string, envelope *models.ChangeEvent) error {
	if !p.enabled {
		return nil
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal %s event: %v", ErrDelivery, envelope.Model, err)
	}

	if err := p.broker.Publish(ctx, topic, envelope.PartitionKey(), body); err != nil {
		metrics.PublishErrors.WithLabelValues(envelope.Model).Inc()
		p.logger.Error("failed to publish change event",
			zap.String("topic", topic),
			zap.String("event", envelope.Event),
			zap.String("event_id", envelope.EventID),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}

	metrics.EventsPublished.WithLabelValues(envelope.Model, envelope.Event).Inc()
	p.logger.Debug("change event published",
		zap.String("topic", topic),
		zap.String("event", envelope.Event),
		zap.String("event_id", envelope.EventID),
	)
	return nil
}
