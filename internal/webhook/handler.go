package webhook

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v82"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stripe-reconciler/internal/domain"
	"stripe-reconciler/internal/metrics"
	"stripe-reconciler/internal/repo"
	"stripe-reconciler/internal/service"
)

var tracer = otel.Tracer("stripe-reconciler/webhook")

// EventHandler applies provider events to order transactions.
type EventHandler interface {
	ChargeSucceeded(ctx context.Context, chargeID string) error
	ChargeCanceled(ctx context.Context, chargeID string) error
	ChargeFailed(ctx context.Context, chargeID string) error
	PaymentIntentSucceeded(ctx context.Context, intent PaymentIntent) error
	PaymentIntentCanceled(ctx context.Context, paymentIntentID string) error
	PaymentIntentFailed(ctx context.Context, paymentIntentID string) error
	SourceCanceled(ctx context.Context, sourceID string) error
	SourceFailed(ctx context.Context, sourceID string) error

	// Dispatch routes a verified event by its type.
	Dispatch(ctx context.Context, event stripe.Event) error
}

type eventHandler struct {
	repo    repo.OrderTransactionRepo
	states  service.StateHandler
	metrics *metrics.Metrics
}

func NewEventHandler(orderTransactionRepo repo.OrderTransactionRepo, states service.StateHandler, m *metrics.Metrics) EventHandler {
	return &eventHandler{repo: orderTransactionRepo, states: states, metrics: m}
}

const (
	outcomeOK          = "ok"
	outcomeApplied     = "applied"
	outcomeDuplicate   = "duplicate"
	outcomeUnsupported = "unsupported"
	outcomeNotFound    = "not_found"
	outcomeConflict    = "conflict"
	outcomeLockTimeout = "lock_timeout"
	outcomeInvalid     = "invalid"
	outcomeError       = "error"
)

func (h *eventHandler) ChargeSucceeded(ctx context.Context, chargeID string) error {
	_, err := h.handle(ctx, domain.ChargeSucceeded, chargeID, nil)
	return err
}

func (h *eventHandler) ChargeCanceled(ctx context.Context, chargeID string) error {
	_, err := h.handle(ctx, domain.ChargeCanceled, chargeID, nil)
	return err
}

func (h *eventHandler) ChargeFailed(ctx context.Context, chargeID string) error {
	_, err := h.handle(ctx, domain.ChargeFailed, chargeID, nil)
	return err
}

func (h *eventHandler) PaymentIntentSucceeded(ctx context.Context, intent PaymentIntent) error {
	_, err := h.handle(ctx, domain.PaymentIntentSucceeded, intent.ID, h.storeFirstCharge(intent))
	return err
}

func (h *eventHandler) PaymentIntentCanceled(ctx context.Context, paymentIntentID string) error {
	_, err := h.handle(ctx, domain.PaymentIntentCanceled, paymentIntentID, nil)
	return err
}

func (h *eventHandler) PaymentIntentFailed(ctx context.Context, paymentIntentID string) error {
	_, err := h.handle(ctx, domain.PaymentIntentFailed, paymentIntentID, nil)
	return err
}

func (h *eventHandler) SourceCanceled(ctx context.Context, sourceID string) error {
	_, err := h.handle(ctx, domain.SourceCanceled, sourceID, nil)
	return err
}

func (h *eventHandler) SourceFailed(ctx context.Context, sourceID string) error {
	_, err := h.handle(ctx, domain.SourceFailed, sourceID, nil)
	return err
}

// storeFirstCharge records the intent's first charge on the transaction. The
// write stands even if the following transition fails.
func (h *eventHandler) storeFirstCharge(intent PaymentIntent) func(context.Context, *domain.OrderTransaction) error {
	return func(ctx context.Context, t *domain.OrderTransaction) error {
		if len(intent.ChargeIDs) == 0 {
			return errors.Wrapf(domain.ErrPaymentIntentWithoutCharge, "payment intent %s", intent.ID)
		}
		return h.repo.UpdateCustomField(ctx, t.ID, domain.CorrelationChargeID.Path(), intent.ChargeIDs[0])
	}
}

func (h *eventHandler) handle(
	ctx context.Context,
	kind domain.EventKind,
	objectID string,
	beforeTransition func(context.Context, *domain.OrderTransaction) error,
) (string, error) {
	target, _ := kind.Target()
	field, _ := kind.CorrelationField()

	ctx, span := tracer.Start(ctx, "EventHandler."+string(kind))
	defer span.End()
	span.SetAttributes(attribute.String("stripe.object_id", objectID))

	logger := log.Ctx(ctx).With().
		Str("event_type", string(kind)).
		Str(string(field), objectID).
		Logger()
	ctx = logger.WithContext(ctx)

	t, err := h.repo.FindByCorrelationID(ctx, field, objectID)
	if err != nil {
		return failed(span, &logger, err)
	}
	if t == nil {
		return failed(span, &logger, &domain.NotFoundError{Field: field, Value: objectID})
	}
	span.SetAttributes(attribute.String("order_transaction.id", t.ID.String()))
	logger = logger.With().Str("order_transaction_id", t.ID.String()).Logger()

	if t.State == target {
		logger.Debug().Msg("order transaction already in target state, skipping")
		return outcomeDuplicate, nil
	}

	if beforeTransition != nil {
		if err := beforeTransition(ctx, t); err != nil {
			return failed(span, &logger, err)
		}
	}

	result, err := h.states.Transition(ctx, t.ID, target)
	if err != nil {
		return failed(span, &logger, err)
	}
	if result == service.TransitionNoop {
		// a concurrent delivery got there first
		return outcomeDuplicate, nil
	}
	return outcomeApplied, nil
}

func failed(span trace.Span, logger *zerolog.Logger, err error) (string, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	outcome := Outcome(err)
	if outcome == outcomeError {
		logger.Error().Err(err).Msg("failed to handle stripe event")
	} else {
		logger.Warn().Err(err).Msg("stripe event rejected")
	}
	return outcome, err
}

// Outcome classifies a handling error for metrics and logs. A nil error is
// "ok"; whether it changed anything is only known inside Dispatch.
func Outcome(err error) string {
	var decodeErr *DecodeError
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, ErrUnsupportedEvent):
		return outcomeUnsupported
	case errors.Is(err, domain.ErrOrderTransactionNotFound):
		return outcomeNotFound
	case errors.Is(err, domain.ErrConflictingStateTransition):
		return outcomeConflict
	case errors.Is(err, domain.ErrLockTimeout):
		return outcomeLockTimeout
	case errors.As(err, &decodeErr):
		return outcomeInvalid
	}
	return outcomeError
}

func (h *eventHandler) Dispatch(ctx context.Context, ev stripe.Event) error {
	ctx, span := tracer.Start(ctx, "EventHandler.Dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("stripe.event_id", ev.ID),
		attribute.String("stripe.event_type", string(ev.Type)),
	)

	logger := log.Ctx(ctx).With().Str("event_id", ev.ID).Logger()
	if ec, ok := domain.ExecutionContextFrom(ctx); ok && ec.SalesChannelID != "" {
		logger = logger.With().Str("sales_channel_id", ec.SalesChannelID).Logger()
	}
	ctx = logger.WithContext(ctx)

	event, err := Decode(ev)
	if err != nil {
		outcome := Outcome(err)
		h.metrics.WebhookEvent(string(ev.Type), outcome)
		if outcome == outcomeUnsupported {
			logger.Debug().Str("event_type", string(ev.Type)).Msg("ignoring unsupported stripe event")
		} else {
			logger.Warn().Err(err).Msg("undecodable stripe event")
		}
		return err
	}

	var before func(context.Context, *domain.OrderTransaction) error
	if event.Kind == domain.PaymentIntentSucceeded {
		before = h.storeFirstCharge(*event.PaymentIntent)
	}
	outcome, err := h.handle(ctx, event.Kind, event.ObjectID, before)
	h.metrics.WebhookEvent(string(event.Kind), outcome)
	return err
}
