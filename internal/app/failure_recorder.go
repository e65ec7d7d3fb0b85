package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/internal/store"
)

// FailureRecorder writes FAILED outcomes in a transaction of its own, so the record
// survives the rollback of the settlement attempt that produced the error.
type FailureRecorder struct {
	repo   store.TransferStore
	tx     store.TxManager
	logger *zap.Logger
	now    func() time.Time
}

func NewFailureRecorder(repo store.TransferStore, tx store.TxManager, logger *zap.Logger) *FailureRecorder {
	return &FailureRecorder{repo: repo, tx: tx, logger: logger.Named("failure_recorder"), now: time.Now}
}

// RecordFailure moves the transfer to FAILED with code. A transfer that is already
// terminal is returned as stored; a concurrent success is never overwritten.
func (r *FailureRecorder) RecordFailure(ctx context.Context, transferID uuid.UUID, code domain.ErrorCode) (domain.Transfer, error) {
	var recorded domain.Transfer
	err := r.tx.WithTransaction(ctx, func(ctx context.Context) error {
		current, err := r.repo.LockTransfer(ctx, transferID)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			recorded = *current
			return nil
		}

		failed, err := current.Fail(code, r.now())
		if err != nil {
			return err
		}
		moved, err := r.repo.SaveFailure(ctx, failed)
		if err != nil {
			return err
		}
		if !moved {
			return fmt.Errorf("transfer %s left PENDING under lock", transferID)
		}
		recorded = failed
		return nil
	})
	if errors.Is(err, store.ErrTransferNotFound) {
		return domain.Transfer{}, domain.Errorf(domain.ErrCodeTransferNotFound, "transfer %s does not exist", transferID)
	}
	if err != nil {
		return domain.Transfer{}, fmt.Errorf("record failure %s for transfer %s: %w", code, transferID, err)
	}

	if recorded.Status == domain.TransferFailed && recorded.Failure != nil && recorded.Failure.ErrorCode == code {
		r.logger.Info("transfer failed",
			zap.String("transfer_id", transferID.String()),
			zap.String("error_code", string(code)))
	} else {
		r.logger.Info("transfer already terminal, failure not recorded",
			zap.String("transfer_id", transferID.String()),
			zap.String("status", string(recorded.Status)),
			zap.String("error_code", string(code)))
	}
	return recorded, nil
}
