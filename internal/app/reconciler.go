/**
 * @description
 * Cron driven sweep for transfers stuck in PENDING, for example after a settlement
 * request was dead-lettered because the database was unreachable.
 */
package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/internal/store"
)

const reconcileBatchSize = 100

// Reconciler re-drives stale PENDING transfers. With a broker it re-enqueues the
// transfer-requested event; otherwise it settles the transfer itself.
type Reconciler struct {
	cron       *cron.Cron
	schedule   string
	repo       store.Repository
	tx         store.TxManager
	settler    Settler
	viaOutbox  bool
	staleAfter time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

func NewReconciler(repo store.Repository, tx store.TxManager, settler Settler, viaOutbox bool, schedule string, staleAfter time.Duration, logger *zap.Logger) *Reconciler {
	logger = logger.Named("reconciler")
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger))
	return &Reconciler{
		cron:       cron.New(cron.WithChain(cron.Recover(cronLogger))),
		schedule:   schedule,
		repo:       repo,
		tx:         tx,
		settler:    settler,
		viaOutbox:  viaOutbox,
		staleAfter: staleAfter,
		logger:     logger,
		now:        time.Now,
	}
}

// Start registers the sweep and starts the cron scheduler.
func (r *Reconciler) Start(ctx context.Context) error {
	if _, err := r.cron.AddFunc(r.schedule, func() { r.RunOnce(ctx) }); err != nil {
		return err
	}
	r.logger.Info("scheduled pending transfer reconciliation", zap.String("schedule", r.schedule))
	r.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (r *Reconciler) Stop() context.Context {
	return r.cron.Stop()
}

// RunOnce handles one batch of stale transfers and returns how many it re-drove.
func (r *Reconciler) RunOnce(ctx context.Context) int {
	now := r.now().UTC()
	stale, err := r.repo.ListStalePendingTransfers(ctx, now.Add(-r.staleAfter), reconcileBatchSize)
	if err != nil {
		r.logger.Error("failed to list stale transfers", zap.Error(err))
		return 0
	}

	handled := 0
	for _, transfer := range stale {
		if ctx.Err() != nil {
			break
		}
		if err := r.redrive(ctx, transfer, now); err != nil {
			r.logger.Warn("failed to re-drive pending transfer",
				zap.String("transfer_id", transfer.ID.String()),
				zap.Error(err))
			continue
		}
		handled++
	}
	if handled > 0 {
		r.logger.Info("re-drove pending transfers", zap.Int("count", handled))
	}
	return handled
}

func (r *Reconciler) redrive(ctx context.Context, transfer domain.Transfer, now time.Time) error {
	if !r.viaOutbox {
		_, err := r.settler.Settle(ctx, transfer.ID)
		if domain.IsDomainError(err) {
			// Recorded as FAILED by the engine.
			return nil
		}
		return err
	}
	return r.tx.WithTransaction(ctx, func(ctx context.Context) error {
		if err := r.repo.EnqueueOutbox(ctx, ExchangeTransfers, RoutingKeyTransferRequested, domain.NewTransferRequestedEvent(transfer)); err != nil {
			return err
		}
		return r.repo.MarkTransferRequeued(ctx, transfer.ID, now)
	})
}
