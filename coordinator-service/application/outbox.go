package application

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/draftea/coordination-engine/coordinator-service/domain"
	"github.com/draftea/coordination-engine/shared/events"
	"github.com/draftea/coordination-engine/shared/models"
	"github.com/draftea/coordination-engine/shared/telemetry"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// OutboxConfig tunes the relay
type OutboxConfig struct {
	BatchSize      int
	MaxRetries     int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	PollInterval   time.Duration
	PublishTimeout time.Duration
	// ClaimTimeout hides fetched messages from other relays while they are
	// being published. It must exceed PublishTimeout.
	ClaimTimeout time.Duration
	Workers      int
	// Alert is called once for every message that exhausts its retries
	Alert func(ctx context.Context, msg *domain.OutboxMessage)
}

func (c OutboxConfig) withDefaults() OutboxConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 10 * time.Second
	}
	if c.ClaimTimeout <= c.PublishTimeout {
		c.ClaimTimeout = 3 * c.PublishTimeout
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	return c
}

// OutboxPublisher relays outbox messages to the transport. Delivery is
// at-least-once and ordered per aggregate.
type OutboxPublisher struct {
	store     domain.StateStore
	publisher events.Publisher
	clock     models.Clock
	config    OutboxConfig
	logger    *logrus.Entry
}

// NewOutboxPublisher creates a new OutboxPublisher
func NewOutboxPublisher(
	store domain.StateStore,
	publisher events.Publisher,
	clock models.Clock,
	config OutboxConfig,
	logger *logrus.Entry,
) *OutboxPublisher {
	if clock == nil {
		clock = models.SystemClock{}
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &OutboxPublisher{
		store:     store,
		publisher: publisher,
		clock:     clock,
		config:    config.withDefaults(),
		logger:    logger.WithField("component", "outbox_publisher"),
	}
}

// ProcessOnce relays one batch and returns how many messages were published.
// Due messages are claimed in one transaction and settled one by one after
// publishing, so no storage transaction stays open across a remote call.
// A claimed message is still pending, which keeps the next message of its
// aggregate out of every other relay's batch until it settles.
func (p *OutboxPublisher) ProcessOnce(ctx context.Context) (int, error) {
	var claimed []*domain.OutboxMessage
	err := p.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		now := p.clock.Now()
		msgs, err := tx.FetchDueOutbox(ctx, now, p.config.BatchSize)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			msg.NextRetryAt = now.Add(p.config.ClaimTimeout)
			if err := tx.UpdateOutbox(ctx, msg); err != nil {
				return err
			}
		}
		claimed = msgs
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to claim outbox messages")
	}

	published := 0
	for _, msg := range claimed {
		pubErr := p.publish(ctx, msg)
		if ctx.Err() != nil {
			return published, ctx.Err()
		}
		if err := p.settle(ctx, msg.ID, pubErr); err != nil {
			return published, err
		}
		if pubErr == nil {
			published++
		}
	}
	return published, nil
}

func (p *OutboxPublisher) publish(ctx context.Context, msg *domain.OutboxMessage) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.PublishTimeout)
	defer cancel()

	ctx, span := telemetry.StartSpan(ctx, "outbox.publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("outbox.topic", msg.Topic.String()),
		attribute.Int64("outbox.sequence", msg.Sequence),
	)

	return p.publisher.Publish(ctx, msg.ToEvent())
}

// settle records the publish outcome unless the message changed meanwhile
func (p *OutboxPublisher) settle(ctx context.Context, id models.ID, pubErr error) error {
	var (
		msg       *domain.OutboxMessage
		exhausted bool
	)
	err := p.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		if msg, err = tx.GetOutbox(ctx, id); err != nil {
			return err
		}
		if msg.Status != domain.OutboxStatusPending {
			msg = nil
			return nil
		}

		now := p.clock.Now()
		if pubErr == nil {
			msg.MarkPublished(now)
		} else {
			exhausted = msg.MarkAttemptFailed(pubErr, now.Add(p.retryDelay(msg.RetryCount+1)), p.config.MaxRetries)
		}
		return tx.UpdateOutbox(ctx, msg)
	})
	if err != nil {
		return errors.Wrapf(err, "failed to settle outbox message %s", id)
	}
	if msg == nil {
		return nil
	}

	logger := p.logger.WithFields(logrus.Fields{
		"message_id":   msg.ID,
		"aggregate_id": msg.AggregateID,
		"topic":        msg.Topic,
		"sequence":     msg.Sequence,
	})
	switch {
	case pubErr == nil:
		logger.Debug("outbox message published")
		telemetry.RecordCounter(ctx, "outbox_published_total", "Outbox messages published", 1,
			attribute.String("topic", msg.Topic.String()))
	case exhausted:
		logger.WithError(pubErr).WithField("retries", msg.RetryCount).Error("outbox message failed permanently")
		telemetry.RecordCounter(ctx, "outbox_failed_total", "Outbox messages that exhausted their retries", 1,
			attribute.String("topic", msg.Topic.String()))
		if p.config.Alert != nil {
			p.config.Alert(ctx, msg)
		}
	default:
		logger.WithError(pubErr).WithFields(logrus.Fields{
			"retries":       msg.RetryCount,
			"next_retry_at": msg.NextRetryAt,
		}).Warn("outbox publish failed, will retry")
	}
	return nil
}

// retryDelay is the wait before attempt retryCount+1: exponential from
// BaseBackoff, capped at MaxBackoff.
func (p *OutboxPublisher) retryDelay(retryCount int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.config.BaseBackoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.config.MaxBackoff,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < retryCount; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Run relays with Workers goroutines until ctx is cancelled. A full batch is
// followed by another one straight away.
func (p *OutboxPublisher) Run(ctx context.Context) error {
	p.logger.WithField("workers", p.config.Workers).Info("outbox relay started")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.config.Workers; i++ {
		g.Go(func() error {
			ticker := time.NewTicker(p.config.PollInterval)
			defer ticker.Stop()
			for {
				n, err := p.safeProcess(ctx)
				if err != nil && ctx.Err() == nil {
					p.logger.WithError(err).Error("outbox relay batch failed")
				}
				if n >= p.config.BatchSize {
					continue
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}

	err := g.Wait()
	p.logger.Info("outbox relay stopped")
	return err
}

func (p *OutboxPublisher) safeProcess(ctx context.Context) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithField("panic", r).Error("outbox relay panicked")
			err = errors.Errorf("outbox relay panic: %v", r)
		}
	}()
	return p.ProcessOnce(ctx)
}

// Requeue gives a failed message a fresh set of retries
func (p *OutboxPublisher) Requeue(ctx context.Context, id models.ID) error {
	return p.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		msg, err := tx.GetOutbox(ctx, id)
		if err != nil {
			return err
		}
		if err := msg.Requeue(p.clock.Now()); err != nil {
			return err
		}
		p.logger.WithField("message_id", id).Info("outbox message requeued")
		return tx.UpdateOutbox(ctx, msg)
	})
}

// PurgePublished deletes messages published before the given instant
func (p *OutboxPublisher) PurgePublished(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := p.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		n, err = tx.DeletePublishedOutbox(ctx, before)
		return err
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge outbox")
	}
	p.logger.WithField("deleted", n).Info("purged published outbox messages")
	return n, nil
}

func (p *OutboxPublisher) List(ctx context.Context, filter domain.OutboxFilter) ([]*domain.OutboxMessage, error) {
	var msgs []*domain.OutboxMessage
	err := p.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		msgs, err = tx.ListOutbox(ctx, filter)
		return err
	})
	return msgs, err
}
