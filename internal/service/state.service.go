package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"stripe-reconciler/internal/domain"
	"stripe-reconciler/internal/infrastructure/events"
	"stripe-reconciler/internal/locking"
	"stripe-reconciler/internal/metrics"
	"stripe-reconciler/internal/repo"
)

var tracer = otel.Tracer("stripe-reconciler/service")

// StateHandler moves order transactions to a final state at most once. Repeated
// requests for the state a transaction is already in are no-ops; requests that
// would overwrite a different final state fail with a conflict.
type StateHandler interface {
	Paid(ctx context.Context, orderTransactionID uuid.UUID) error
	Cancel(ctx context.Context, orderTransactionID uuid.UUID) error
	Fail(ctx context.Context, orderTransactionID uuid.UUID) error

	// Transition moves the transaction to one of the final states and reports
	// whether the write happened or the transaction was already there.
	Transition(ctx context.Context, orderTransactionID uuid.UUID, target domain.TransactionState) (TransitionResult, error)
}

// TransitionResult tells what a state request did.
type TransitionResult string

const (
	TransitionApplied  TransitionResult = "applied"
	TransitionNoop     TransitionResult = "noop"
	TransitionConflict TransitionResult = "conflict"
	TransitionFailed   TransitionResult = "error"
)

type stateHandler struct {
	repo      repo.OrderTransactionRepo
	locks     locking.Service
	publisher events.Publisher
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewStateHandler(
	orderTransactionRepo repo.OrderTransactionRepo,
	locks locking.Service,
	publisher events.Publisher,
	m *metrics.Metrics,
) StateHandler {
	if publisher == nil {
		publisher = events.NewNoopPublisher()
	}
	return &stateHandler{
		repo:      orderTransactionRepo,
		locks:     locks,
		publisher: publisher,
		metrics:   m,
		now:       time.Now,
	}
}

func (h *stateHandler) Paid(ctx context.Context, id uuid.UUID) error {
	_, err := h.Transition(ctx, id, domain.TransactionPaid)
	return err
}

func (h *stateHandler) Cancel(ctx context.Context, id uuid.UUID) error {
	_, err := h.Transition(ctx, id, domain.TransactionCancelled)
	return err
}

func (h *stateHandler) Fail(ctx context.Context, id uuid.UUID) error {
	_, err := h.Transition(ctx, id, domain.TransactionFailed)
	return err
}

func (h *stateHandler) Transition(ctx context.Context, id uuid.UUID, target domain.TransactionState) (TransitionResult, error) {
	switch target {
	case domain.TransactionPaid, domain.TransactionCancelled, domain.TransactionFailed:
	default:
		return TransitionFailed, errors.Errorf("no state handler operation for %q", target)
	}

	ctx, span := tracer.Start(ctx, "StateHandler.transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("order_transaction.id", id.String()),
		attribute.String("order_transaction.target", string(target)),
	)
	logger := log.Ctx(ctx).With().Str("order_transaction_id", id.String()).Str("target", string(target)).Logger()

	var (
		changed *domain.OrderTransactionStateChanged
		result  = TransitionFailed
	)
	err := h.locks.WithLock(ctx, id, func(ctx context.Context) error {
		t, err := h.repo.FindById(ctx, id)
		if err != nil {
			return err
		}
		if t == nil {
			return &domain.NotFoundError{Value: id.String()}
		}

		if t.State == target {
			result = TransitionNoop
			return nil
		}
		if !domain.CanTransition(t.State, target) {
			result = TransitionConflict
			return &domain.ConflictingStateTransitionError{
				OrderTransactionID: id,
				Current:            t.State,
				Requested:          target,
			}
		}

		if err := h.repo.UpdateState(ctx, id, target); err != nil {
			return err
		}
		result = TransitionApplied
		changed = &domain.OrderTransactionStateChanged{
			OrderTransactionID: id.String(),
			OrderID:            t.OrderID.String(),
			From:               t.State,
			To:                 target,
			OccurredAt:         h.now().UTC(),
		}
		return nil
	})
	h.metrics.Transition(string(target), string(result))
	span.SetAttributes(attribute.String("order_transaction.result", string(result)))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition failed")
		if errors.Is(err, domain.ErrConflictingStateTransition) {
			logger.Warn().Err(err).Msg("refusing conflicting state transition")
		} else {
			logger.Error().Err(err).Msg("state transition failed")
		}
		return result, err
	}

	if changed == nil {
		logger.Debug().Msg("order transaction already in target state")
		return result, nil
	}
	logger.Info().Str("from", string(changed.From)).Msg("order transaction state changed")

	if err := h.publisher.PublishStateChanged(ctx, *changed); err != nil {
		logger.Warn().Err(err).Msg("state change not published")
	}
	return result, nil
}
