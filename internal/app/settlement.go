/**
 * @description
 * SettlementEngine applies an accepted transfer to the ledger. It is the only code
 * that moves money, and it does so in a single database transaction that holds row
 * locks on the transfer and on both accounts.
 *
 * Key features:
 * - The exchange rate is resolved before any lock is taken; account currencies are
 *   immutable so the rate is still valid once the rows are locked.
 * - Accounts are locked in ascending owner id order, whatever the transfer direction.
 * - Balances used for the debit are the ones read under lock.
 * - A domain error rolls the attempt back and is handed to the FailureRecorder.
 *   Infrastructure errors are returned as is and leave the transfer PENDING.
 *
 * @dependencies
 * - internal/store: repository and transaction manager.
 * - internal/exchange (through RateProvider): currency conversion.
 * - go.uber.org/zap: structured logging.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/internal/metrics"
	"github.com/transfa/transfer-service/internal/store"
)

// RateProvider returns how many units of source buy one unit of destination.
type RateProvider interface {
	GetRate(ctx context.Context, source, destination domain.Currency) (decimal.Decimal, error)
}

type SettlementEngine struct {
	repo            store.Repository
	tx              store.TxManager
	rates           RateProvider
	failures        *FailureRecorder
	publishBalances bool
	metrics         *metrics.Metrics
	logger          *zap.Logger
	now             func() time.Time
}

// NewSettlementEngine builds the engine. With publishBalances set, every settlement
// also writes one account-balance-changed outbox event per account.
func NewSettlementEngine(
	repo store.Repository,
	tx store.TxManager,
	rates RateProvider,
	failures *FailureRecorder,
	publishBalances bool,
	logger *zap.Logger,
	m *metrics.Metrics,
) *SettlementEngine {
	return &SettlementEngine{
		repo:            repo,
		tx:              tx,
		rates:           rates,
		failures:        failures,
		publishBalances: publishBalances,
		metrics:         m,
		logger:          logger.Named("settlement"),
		now:             time.Now,
	}
}

// Settle drives transferID to a terminal state. A transfer that is already terminal
// is returned unchanged. On a business failure the FAILED transfer is returned
// together with the *domain.Error that caused it.
func (e *SettlementEngine) Settle(ctx context.Context, transferID uuid.UUID) (domain.Transfer, error) {
	started := e.now()

	current, err := e.repo.GetTransfer(ctx, transferID)
	if err != nil {
		return domain.Transfer{}, translateStoreError(err, transferID)
	}
	if current.Status.Terminal() {
		e.logger.Debug("transfer already settled",
			zap.String("transfer_id", transferID.String()),
			zap.String("status", string(current.Status)))
		return *current, nil
	}

	settled, applied, err := e.apply(ctx, *current)
	if err == nil {
		if applied {
			e.metrics.TransferSettled(string(domain.TransferSuccessful), "", e.now().Sub(started))
			e.logger.Info("transfer settled",
				zap.String("transfer_id", transferID.String()),
				zap.String("exchange_rate", settled.Settlement.ExchangeRate.String()),
				zap.String("debit", settled.Settlement.Debit.String()),
				zap.String("credit", settled.Settlement.Credit.String()))
		}
		return settled, nil
	}

	domainErr, ok := domain.AsError(err)
	if !ok {
		e.logger.Warn("settlement attempt aborted",
			zap.String("transfer_id", transferID.String()),
			zap.Error(err))
		return domain.Transfer{}, fmt.Errorf("settle transfer %s: %w", transferID, err)
	}

	failed, recErr := e.failures.RecordFailure(ctx, transferID, domainErr.Code)
	if recErr != nil {
		return domain.Transfer{}, fmt.Errorf("settle transfer %s failed with %s: %w", transferID, domainErr.Code, recErr)
	}
	if failed.Status == domain.TransferSuccessful {
		// Another worker settled it between our attempt and the failure write.
		return failed, nil
	}
	e.metrics.TransferSettled(string(domain.TransferFailed), string(domainErr.Code), e.now().Sub(started))
	return failed, domainErr
}

// apply runs one settlement attempt. applied is false when the transfer turned out
// to be terminal once its row was locked.
func (e *SettlementEngine) apply(ctx context.Context, transfer domain.Transfer) (domain.Transfer, bool, error) {
	if err := domain.ValidateRequest(transfer.Request); err != nil {
		return domain.Transfer{}, false, err
	}

	originator, err := e.repo.GetAccount(ctx, transfer.Request.OriginatorID)
	if err != nil {
		return domain.Transfer{}, false, translateAccountError(err, transfer.Request.OriginatorID)
	}
	beneficiary, err := e.repo.GetAccount(ctx, transfer.Request.BeneficiaryID)
	if err != nil {
		return domain.Transfer{}, false, translateAccountError(err, transfer.Request.BeneficiaryID)
	}

	rate, err := e.rates.GetRate(ctx, originator.Currency, beneficiary.Currency)
	if err != nil {
		return domain.Transfer{}, false, err
	}

	var (
		result  domain.Transfer
		applied bool
	)
	err = e.tx.WithTransaction(ctx, func(ctx context.Context) error {
		applied = false
		locked, err := e.repo.LockTransfer(ctx, transfer.ID)
		if err != nil {
			return translateStoreError(err, transfer.ID)
		}
		if locked.Status.Terminal() {
			result = *locked
			return nil
		}

		accounts, err := e.lockAccounts(ctx, locked.Request.OriginatorID, locked.Request.BeneficiaryID)
		if err != nil {
			return err
		}
		lockedOriginator := accounts[locked.Request.OriginatorID]
		lockedBeneficiary := accounts[locked.Request.BeneficiaryID]
		if lockedOriginator.Currency != originator.Currency || lockedBeneficiary.Currency != beneficiary.Currency {
			return fmt.Errorf("account currency changed while settling transfer %s", transfer.ID)
		}

		settled, err := locked.Settle(lockedOriginator, lockedBeneficiary, rate, e.now())
		if err != nil {
			return err
		}
		if err := e.repo.SaveAccountBalance(ctx, settled.Settlement.Originator); err != nil {
			return err
		}
		if err := e.repo.SaveAccountBalance(ctx, settled.Settlement.Beneficiary); err != nil {
			return err
		}
		if err := e.repo.SaveSettlement(ctx, settled); err != nil {
			return err
		}
		if e.publishBalances {
			for _, account := range []domain.Account{settled.Settlement.Originator, settled.Settlement.Beneficiary} {
				if err := e.repo.EnqueueOutbox(ctx, ExchangeAccounts, "", domain.NewAccountBalanceChangedEvent(account)); err != nil {
					return err
				}
			}
		}
		result = settled
		applied = true
		return nil
	})
	if err != nil {
		return domain.Transfer{}, false, err
	}
	return result, applied, nil
}

// lockAccounts takes the row locks in ascending owner id order so that two
// transfers between the same pair in opposite directions cannot deadlock.
func (e *SettlementEngine) lockAccounts(ctx context.Context, ownerIDs ...int64) (map[int64]domain.Account, error) {
	ordered := append([]int64(nil), ownerIDs...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	accounts := make(map[int64]domain.Account, len(ordered))
	for _, ownerID := range ordered {
		if _, seen := accounts[ownerID]; seen {
			continue
		}
		account, err := e.repo.LockAccount(ctx, ownerID)
		if err != nil {
			return nil, translateAccountError(err, ownerID)
		}
		accounts[ownerID] = *account
	}
	return accounts, nil
}

func translateAccountError(err error, ownerID int64) error {
	if errors.Is(err, store.ErrAccountNotFound) {
		return domain.Errorf(domain.ErrCodeAccountNotFound, "account %d does not exist", ownerID)
	}
	return err
}

func translateStoreError(err error, transferID uuid.UUID) error {
	if errors.Is(err, store.ErrTransferNotFound) {
		return domain.Errorf(domain.ErrCodeTransferNotFound, "transfer %s does not exist", transferID)
	}
	return err
}
