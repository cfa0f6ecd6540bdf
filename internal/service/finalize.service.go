package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"stripe-reconciler/internal/domain"
	"stripe-reconciler/internal/infrastructure/payment"
	"stripe-reconciler/internal/repo"
)

// FinalizeService settles a transaction from the provider's view of its payment
// intent. It runs when the customer returns from checkout and from the
// reconciliation worker, racing with webhooks through the same state handler.
type FinalizeService interface {
	Finalize(ctx context.Context, orderTransactionID uuid.UUID) (domain.TransactionState, error)
}

type finalizeService struct {
	repo    repo.OrderTransactionRepo
	gateway payment.Gateway
	states  StateHandler
}

func NewFinalizeService(orderTransactionRepo repo.OrderTransactionRepo, gateway payment.Gateway, states StateHandler) FinalizeService {
	return &finalizeService{
		repo:    orderTransactionRepo,
		gateway: gateway,
		states:  states,
	}
}

func (s *finalizeService) Finalize(ctx context.Context, id uuid.UUID) (domain.TransactionState, error) {
	ctx, span := tracer.Start(ctx, "FinalizeService.Finalize")
	defer span.End()

	t, err := s.repo.FindById(ctx, id)
	if err != nil {
		return "", err
	}
	if t == nil {
		return "", &domain.NotFoundError{Value: id.String()}
	}

	intentID, ok := t.CorrelationID(domain.CorrelationPaymentIntentID)
	if !ok {
		return t.State, errors.Wrapf(domain.ErrMissingCorrelationID, "order transaction %s", id)
	}

	pi, err := s.gateway.RetrievePaymentIntent(ctx, intentID)
	if err != nil {
		return t.State, err
	}

	switch {
	case pi.Status == payment.StatusSucceeded:
		if pi.LatestChargeID == "" {
			return t.State, errors.Wrapf(domain.ErrPaymentIntentWithoutCharge, "payment intent %s", intentID)
		}
		if current, _ := t.CorrelationID(domain.CorrelationChargeID); current != pi.LatestChargeID {
			if err := s.repo.UpdateCustomField(ctx, id, domain.CorrelationChargeID.Path(), pi.LatestChargeID); err != nil {
				return t.State, err
			}
		}
		return s.settle(ctx, t, domain.TransactionPaid, s.states.Paid)

	case pi.Status == payment.StatusCanceled:
		return s.settle(ctx, t, domain.TransactionCancelled, s.states.Cancel)

	case pi.Status == payment.StatusRequiresPaymentMethod && pi.LastPaymentFailed:
		return s.settle(ctx, t, domain.TransactionFailed, s.states.Fail)
	}

	log.Ctx(ctx).Debug().
		Str("order_transaction_id", id.String()).
		Str("payment_intent_id", intentID).
		Str("status", pi.Status).
		Msg("payment still pending")
	return t.State, errors.Wrapf(domain.ErrPaymentPending, "payment intent %s is %s", intentID, pi.Status)
}

func (s *finalizeService) settle(ctx context.Context, t *domain.OrderTransaction, target domain.TransactionState, apply func(context.Context, uuid.UUID) error) (domain.TransactionState, error) {
	if err := apply(ctx, t.ID); err != nil {
		return t.State, err
	}
	log.Ctx(ctx).Debug().Str("order_transaction_id", t.ID.String()).Str("state", string(target)).Msg("order transaction finalized")
	return target, nil
}
