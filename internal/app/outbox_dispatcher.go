package app

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/transfa/transfer-service/internal/metrics"
	"github.com/transfa/transfer-service/internal/store"
	"github.com/transfa/transfer-service/pkg/rabbitmq"
)

const (
	defaultBatchSize       = 50
	defaultPollInterval    = 1200 * time.Millisecond
	defaultStaleProcessing = 2 * time.Minute
	maxRetryDelaySeconds   = 300
)

// PublisherFactory opens a broker connection. The dispatcher calls it lazily and
// again after a publish failure.
type PublisherFactory func() (rabbitmq.Publisher, error)

type OutboxDispatcher struct {
	repo                store.OutboxStore
	connect             PublisherFactory
	batchSize           int
	pollInterval        time.Duration
	staleProcessingTime time.Duration
	publisher           rabbitmq.Publisher
	metrics             *metrics.Metrics
	logger              *zap.Logger
}

func NewOutboxDispatcher(repo store.OutboxStore, connect PublisherFactory, batchSize int, pollInterval time.Duration, logger *zap.Logger, m *metrics.Metrics) *OutboxDispatcher {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &OutboxDispatcher{
		repo:                repo,
		connect:             connect,
		batchSize:           batchSize,
		pollInterval:        pollInterval,
		staleProcessingTime: defaultStaleProcessing,
		metrics:             m,
		logger:              logger.Named("outbox"),
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	defer d.closePublisher()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.flushOnce(ctx); err != nil {
				d.logger.Warn("outbox flush error", zap.Error(err))
			}
		}
	}
}

func (d *OutboxDispatcher) flushOnce(ctx context.Context) error {
	messages, err := d.repo.ClaimOutboxMessages(ctx, d.batchSize, d.staleProcessingTime)
	if err != nil {
		return err
	}

	for _, message := range messages {
		if err := d.publishMessage(ctx, message); err != nil {
			d.metrics.OutboxDispatched("failed")
			retryAfter := retryDelay(message.Attempts)
			d.logger.Warn("outbox publish failed",
				zap.Int64("id", message.ID),
				zap.Int("attempts", message.Attempts),
				zap.Duration("retry_after", retryAfter),
				zap.Error(err))
			if markErr := d.repo.MarkOutboxFailed(ctx, message.ID, retryAfter, err.Error()); markErr != nil {
				d.logger.Error("failed to reschedule outbox message", zap.Int64("id", message.ID), zap.Error(markErr))
			}
			continue
		}
		d.metrics.OutboxDispatched("published")
		if err := d.repo.MarkOutboxPublished(ctx, message.ID); err != nil {
			// The row is reclaimed once stale and published again; consumers are idempotent.
			d.logger.Error("failed to mark outbox message as published", zap.Int64("id", message.ID), zap.Error(err))
		}
	}
	return nil
}

func (d *OutboxDispatcher) publishMessage(ctx context.Context, message store.OutboxMessage) error {
	if d.publisher == nil {
		publisher, err := d.connect()
		if err != nil {
			return err
		}
		d.publisher = publisher
	}

	if err := d.publisher.Publish(ctx, message.Exchange, message.RoutingKey, json.RawMessage(message.Payload)); err != nil {
		d.closePublisher()
		return err
	}
	return nil
}

func (d *OutboxDispatcher) closePublisher() {
	if d.publisher != nil {
		d.publisher.Close()
		d.publisher = nil
	}
}

func retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		return time.Second
	}
	delay := 1 << min(attempt, 8)
	if delay > maxRetryDelaySeconds {
		delay = maxRetryDelaySeconds
	}
	return time.Duration(delay) * time.Second
}
