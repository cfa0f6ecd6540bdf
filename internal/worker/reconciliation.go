package worker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"stripe-reconciler/internal/domain"
	"stripe-reconciler/internal/metrics"
	"stripe-reconciler/internal/repo"
	"stripe-reconciler/internal/service"
)

// ReconciliationWorker repairs transactions whose webhooks never arrived by
// asking the provider for the payment intent state.
type ReconciliationWorker struct {
	orderTransactionRepo repo.OrderTransactionRepo
	finalize             service.FinalizeService
	metrics              *metrics.Metrics
	interval             time.Duration
	olderThan            time.Duration
	batch                int
	now                  func() time.Time
}

func NewReconciliationWorker(
	orderTransactionRepo repo.OrderTransactionRepo,
	finalize service.FinalizeService,
	m *metrics.Metrics,
	interval time.Duration,
	olderThan time.Duration,
	batch int,
) *ReconciliationWorker {
	return &ReconciliationWorker{
		orderTransactionRepo: orderTransactionRepo,
		finalize:             finalize,
		metrics:              m,
		interval:             interval,
		olderThan:            olderThan,
		batch:                batch,
		now:                  time.Now,
	}
}

func (rw *ReconciliationWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(rw.interval)
	defer ticker.Stop()

	log.Ctx(ctx).Info().Dur("interval", rw.interval).Dur("older_than", rw.olderThan).Msg("reconciliation worker started")

	for {
		select {
		case <-ctx.Done():
			log.Ctx(ctx).Info().Msg("reconciliation worker stopped")
			return nil
		case <-ticker.C:
			if _, err := rw.process(ctx); err != nil {
				log.Ctx(ctx).Error().Err(err).Msg("reconciliation failed")
			}
		}
	}
}

// process finalizes one batch of stuck transactions and returns how many moved
// to a final state.
func (rw *ReconciliationWorker) process(ctx context.Context) (int, error) {
	stuck, err := rw.orderTransactionRepo.FindOpenBefore(ctx, rw.now().Add(-rw.olderThan), rw.batch)
	if err != nil {
		return 0, err
	}
	if len(stuck) == 0 {
		return 0, nil
	}

	log.Ctx(ctx).Info().Int("count", len(stuck)).Msg("found stuck order transactions")

	repaired := 0
	for _, t := range stuck {
		if ctx.Err() != nil {
			return repaired, ctx.Err()
		}
		logger := log.Ctx(ctx).With().Str("order_transaction_id", t.ID.String()).Logger()

		state, err := rw.finalize.Finalize(ctx, t.ID)
		switch {
		case err == nil:
			if state != t.State {
				repaired++
				rw.metrics.Repaired(string(state))
				logger.Info().Str("state", string(state)).Msg("repaired stuck order transaction")
			}
		case errors.Is(err, domain.ErrPaymentPending):
			logger.Debug().Msg("payment still pending")
		default:
			// retried on the next tick
			logger.Warn().Err(err).Msg("could not finalize order transaction")
		}
	}
	return repaired, nil
}
