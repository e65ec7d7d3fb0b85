package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/internal/metrics"
	"github.com/transfa/transfer-service/internal/store"
)

// RejectedTransfer is the stable answer for a request id that was already accepted.
type RejectedTransfer struct {
	TransferID uuid.UUID `json:"transferId"`
	RequestID  uuid.UUID `json:"requestId"`
}

// DuplicateRequestError carries the transfer that owns a repeated request id. It
// matches domain.ErrDuplicatedRequest under errors.Is.
type DuplicateRequestError struct {
	RejectedTransfer
}

func (e *DuplicateRequestError) Error() string {
	return fmt.Sprintf("%s: request %s already accepted as transfer %s",
		domain.ErrCodeDuplicatedRequest, e.RequestID, e.TransferID)
}

func (e *DuplicateRequestError) Unwrap() error {
	return domain.Errorf(domain.ErrCodeDuplicatedRequest, "request %s was already accepted", e.RequestID)
}

// AcceptanceGate turns a client request into exactly one PENDING transfer per
// request id. The unique index on request_id is the arbiter; there is no
// check-then-insert.
type AcceptanceGate struct {
	repo    store.Repository
	tx      store.TxManager
	enqueue bool
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewAcceptanceGate builds the gate. When enqueue is set the transfer-requested
// event is written to the outbox in the same transaction as the transfer.
func NewAcceptanceGate(repo store.Repository, tx store.TxManager, enqueue bool, logger *zap.Logger, m *metrics.Metrics) *AcceptanceGate {
	return &AcceptanceGate{
		repo:    repo,
		tx:      tx,
		enqueue: enqueue,
		metrics: m,
		logger:  logger.Named("acceptance"),
		now:     time.Now,
	}
}

func (g *AcceptanceGate) Accept(ctx context.Context, requestID uuid.UUID, req domain.TransferRequest) (domain.Transfer, error) {
	transfer, err := domain.NewPendingTransfer(requestID, req, g.now())
	if err != nil {
		return domain.Transfer{}, err
	}

	err = g.tx.WithTransaction(ctx, func(ctx context.Context) error {
		if err := g.repo.CreateTransfer(ctx, transfer); err != nil {
			return err
		}
		if !g.enqueue {
			return nil
		}
		return g.repo.EnqueueOutbox(ctx, ExchangeTransfers, RoutingKeyTransferRequested, domain.NewTransferRequestedEvent(transfer))
	})
	if errors.Is(err, store.ErrDuplicateRequest) {
		return domain.Transfer{}, domain.Errorf(domain.ErrCodeDuplicatedRequest, "request %s was already accepted", requestID)
	}
	if err != nil {
		return domain.Transfer{}, fmt.Errorf("accept transfer for request %s: %w", requestID, err)
	}

	g.metrics.TransferAccepted()
	g.logger.Info("transfer accepted",
		zap.String("transfer_id", transfer.ID.String()),
		zap.String("request_id", requestID.String()),
		zap.Int64("originator_id", transfer.Request.OriginatorID),
		zap.Int64("beneficiary_id", transfer.Request.BeneficiaryID),
		zap.String("amount", transfer.Request.Amount.String()))
	return transfer, nil
}

// Reject looks up the transfer that already owns requestID, in its own transaction.
func (g *AcceptanceGate) Reject(ctx context.Context, requestID uuid.UUID) (RejectedTransfer, error) {
	var rejected RejectedTransfer
	err := g.tx.WithTransaction(ctx, func(ctx context.Context) error {
		transferID, err := g.LookupTransferID(ctx, requestID)
		if err != nil {
			return err
		}
		rejected = RejectedTransfer{TransferID: transferID, RequestID: requestID}
		return nil
	})
	if err != nil {
		return RejectedTransfer{}, err
	}
	return rejected, nil
}

func (g *AcceptanceGate) LookupTransferID(ctx context.Context, requestID uuid.UUID) (uuid.UUID, error) {
	transferID, err := g.repo.FindTransferIDByRequestID(ctx, requestID)
	if errors.Is(err, store.ErrTransferNotFound) {
		return uuid.Nil, domain.Errorf(domain.ErrCodeTransferNotFound, "no transfer for request %s", requestID)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("lookup transfer for request %s: %w", requestID, err)
	}
	return transferID, nil
}
