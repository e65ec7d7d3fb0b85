package app

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/internal/metrics"
	"github.com/transfa/transfer-service/internal/store"
	"github.com/transfa/transfer-service/pkg/rabbitmq"
)

// ProjectionConsumer keeps the account read model in step with
// account-balance-changed events.
type ProjectionConsumer struct {
	repo    store.ProjectionStore
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewProjectionConsumer(repo store.ProjectionStore, logger *zap.Logger, m *metrics.Metrics) *ProjectionConsumer {
	return &ProjectionConsumer{repo: repo, metrics: m, logger: logger.Named("projection_consumer"), now: time.Now}
}

func (c *ProjectionConsumer) Handle(ctx context.Context, d rabbitmq.Delivery) rabbitmq.Outcome {
	outcome := c.handle(ctx, d)
	c.metrics.MessageConsumed(QueueAccountProjection, outcome.String())
	return outcome
}

func (c *ProjectionConsumer) handle(ctx context.Context, d rabbitmq.Delivery) rabbitmq.Outcome {
	var event domain.AccountBalanceChangedEvent
	if err := json.Unmarshal(d.Body, &event); err != nil {
		c.logger.Error("malformed account-balance-changed payload, dropping", zap.Error(err), zap.ByteString("body", d.Body))
		return rabbitmq.Ack
	}
	if event.OwnerID == 0 || event.Version < 1 || event.Balance.IsNegative() {
		c.logger.Error("invalid account-balance-changed event, dropping",
			zap.Int64("owner_id", event.OwnerID),
			zap.Int64("version", event.Version),
			zap.String("balance", event.Balance.String()))
		return rabbitmq.Ack
	}

	// Ordering comes from the account version; the timestamp is informational.
	at := d.Timestamp
	if at.IsZero() {
		at = c.now()
	}
	if err := c.repo.UpsertAccountProjection(ctx, event.OwnerID, event.Balance.Round(domain.AmountScale), event.Version, at.UTC()); err != nil {
		c.logger.Warn("failed to update account projection", zap.Int64("owner_id", event.OwnerID), zap.Error(err))
		return rabbitmq.Requeue
	}
	return rabbitmq.Ack
}
