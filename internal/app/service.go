/**
 * @description
 * This file contains the entry points used by the HTTP layer. The `Service` struct
 * ties the acceptance gate to the settlement engine according to the processing
 * mode and serves the transfer and account read endpoints.
 *
 * Key features:
 * - In sync mode a submitted transfer is settled before the call returns.
 * - In async mode the call returns the PENDING transfer; settlement happens when
 *   the transfer-requested event is consumed.
 * - Repeated request ids resolve to the transfer that already owns them.
 *
 * @dependencies
 * - github.com/google/uuid: For request and transfer ids.
 * - internal/domain, internal/store: For domain models and data access.
 */

package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/internal/store"
)

// Service provides the transfer use cases.
type Service struct {
	gate         *AcceptanceGate
	engine       *SettlementEngine
	repo         store.Repository
	settleInline bool
	logger       *zap.Logger
}

// NewService creates the service. settleInline selects sync processing; it also
// makes account reads go to the ledger instead of the projection, which is only
// fed in async deployments.
func NewService(gate *AcceptanceGate, engine *SettlementEngine, repo store.Repository, settleInline bool, logger *zap.Logger) *Service {
	return &Service{
		gate:         gate,
		engine:       engine,
		repo:         repo,
		settleInline: settleInline,
		logger:       logger.Named("service"),
	}
}

// SettlesInline reports whether Submit returns a terminal transfer.
func (s *Service) SettlesInline() bool {
	return s.settleInline
}

// Submit accepts a transfer request. A repeated requestID yields a
// *DuplicateRequestError naming the original transfer.
func (s *Service) Submit(ctx context.Context, requestID uuid.UUID, req domain.TransferRequest) (domain.Transfer, error) {
	accepted, err := s.gate.Accept(ctx, requestID, req)
	if errors.Is(err, domain.ErrDuplicatedRequest) {
		rejected, rejectErr := s.gate.Reject(ctx, requestID)
		if rejectErr != nil {
			return domain.Transfer{}, rejectErr
		}
		s.logger.Info("duplicate transfer request",
			zap.String("request_id", requestID.String()),
			zap.String("transfer_id", rejected.TransferID.String()))
		return domain.Transfer{}, &DuplicateRequestError{RejectedTransfer: rejected}
	}
	if err != nil {
		return domain.Transfer{}, err
	}
	if !s.settleInline {
		return accepted, nil
	}
	return s.engine.Settle(ctx, accepted.ID)
}

func (s *Service) GetTransfer(ctx context.Context, transferID uuid.UUID) (domain.Transfer, error) {
	transfer, err := s.repo.GetTransfer(ctx, transferID)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			return domain.Transfer{}, domain.Errorf(domain.ErrCodeTransferNotFound, "transfer %s does not exist", transferID)
		}
		return domain.Transfer{}, fmt.Errorf("get transfer %s: %w", transferID, err)
	}
	return *transfer, nil
}

func (s *Service) GetAccount(ctx context.Context, ownerID int64) (domain.Account, error) {
	var (
		account *domain.Account
		err     error
	)
	if s.settleInline {
		account, err = s.repo.GetAccount(ctx, ownerID)
	} else {
		account, err = s.repo.GetAccountProjection(ctx, ownerID)
	}
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return domain.Account{}, domain.Errorf(domain.ErrCodeAccountNotFound, "account %d does not exist", ownerID)
		}
		return domain.Account{}, fmt.Errorf("get account %d: %w", ownerID, err)
	}
	return *account, nil
}

func (s *Service) ListAccounts(ctx context.Context, page store.PageRequest) (store.Page[domain.Account], error) {
	page = page.Normalize()
	if s.settleInline {
		return s.repo.ListAccounts(ctx, page)
	}
	return s.repo.ListAccountProjections(ctx, page)
}
