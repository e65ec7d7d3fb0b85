package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/internal/metrics"
	"github.com/transfa/transfer-service/pkg/rabbitmq"
)

const defaultSettlementTimeout = 15 * time.Second

// Settler is implemented by SettlementEngine.
type Settler interface {
	Settle(ctx context.Context, transferID uuid.UUID) (domain.Transfer, error)
}

// SettlementConsumer handles transfer-requested deliveries. Redelivery of the same
// event is harmless: a terminal transfer is acknowledged without being touched.
type SettlementConsumer struct {
	settler         Settler
	maxRedeliveries int64
	timeout         time.Duration
	metrics         *metrics.Metrics
	logger          *zap.Logger
}

func NewSettlementConsumer(settler Settler, maxRedeliveries int, logger *zap.Logger, m *metrics.Metrics) *SettlementConsumer {
	return &SettlementConsumer{
		settler:         settler,
		maxRedeliveries: int64(maxRedeliveries),
		timeout:         defaultSettlementTimeout,
		metrics:         m,
		logger:          logger.Named("settlement_consumer"),
	}
}

func (c *SettlementConsumer) Handle(ctx context.Context, d rabbitmq.Delivery) rabbitmq.Outcome {
	outcome := c.handle(ctx, d)
	c.metrics.MessageConsumed(QueueTransferSettlement, outcome.String())
	return outcome
}

func (c *SettlementConsumer) handle(ctx context.Context, d rabbitmq.Delivery) rabbitmq.Outcome {
	var event domain.TransferRequestedEvent
	if err := json.Unmarshal(d.Body, &event); err != nil {
		c.logger.Error("malformed transfer-requested payload", zap.Error(err), zap.ByteString("body", d.Body))
		return rabbitmq.DeadLetter
	}
	if event.TransferID == uuid.Nil {
		c.logger.Error("transfer-requested event without transfer id", zap.ByteString("body", d.Body))
		return rabbitmq.DeadLetter
	}
	logger := c.logger.With(
		zap.String("transfer_id", event.TransferID.String()),
		zap.String("request_id", event.RequestID.String()))

	settleCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	transfer, err := c.settler.Settle(settleCtx, event.TransferID)
	if err == nil {
		logger.Debug("transfer-requested handled", zap.String("status", string(transfer.Status)))
		return rabbitmq.Ack
	}

	if domainErr, ok := domain.AsError(err); ok {
		// The FAILED row is already committed at this point.
		logger.Warn("transfer failed, dead-lettering request", zap.String("error_code", string(domainErr.Code)))
		return rabbitmq.DeadLetter
	}

	if ctx.Err() == nil && c.maxRedeliveries > 0 && d.DeliveryCount >= c.maxRedeliveries {
		logger.Error("settlement retries exhausted, transfer left pending for reconciliation",
			zap.Int64("delivery_count", d.DeliveryCount),
			zap.Error(err))
		return rabbitmq.DeadLetter
	}
	logger.Warn("settlement attempt failed, requeueing",
		zap.Int64("delivery_count", d.DeliveryCount),
		zap.Error(err))
	return rabbitmq.Requeue
}
