package main

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"

	"stripe-reconciler/internal/domain"
	"stripe-reconciler/internal/infrastructure/payment"
)

type stripeEvent struct {
	id     string
	kind   domain.EventKind
	object map[string]any
}

func newEvent(kind domain.EventKind, object map[string]any) stripeEvent {
	return stripeEvent{id: "evt_" + uuid.NewString()[:12], kind: kind, object: object}
}

func (e stripeEvent) toStripe() stripe.Event {
	raw, _ := json.Marshal(e.object)
	return stripe.Event{
		ID:     e.id,
		Object: "event",
		Type:   stripe.EventType(e.kind),
		Data:   &stripe.EventData{Raw: raw},
	}
}

func paymentIntentObject(pi *payment.PaymentIntent) map[string]any {
	obj := map[string]any{"id": pi.ID, "object": "payment_intent", "status": pi.Status}
	if pi.LatestChargeID != "" {
		obj["latest_charge"] = pi.LatestChargeID
	}
	return obj
}

// eventsFor returns what Stripe sends for the intent's final state.
func eventsFor(pi *payment.PaymentIntent) []stripeEvent {
	charge := map[string]any{"id": pi.LatestChargeID, "object": "charge", "payment_intent": pi.ID}
	switch {
	case pi.Status == payment.StatusSucceeded:
		return []stripeEvent{
			newEvent(domain.PaymentIntentSucceeded, paymentIntentObject(pi)),
			// only resolvable once the intent event stored the charge id
			newEvent(domain.ChargeSucceeded, charge),
		}
	case pi.LastPaymentFailed:
		return []stripeEvent{newEvent(domain.PaymentIntentFailed, paymentIntentObject(pi))}
	}
	return nil
}

// contradicting returns an event disagreeing with the intent's final state, as
// a stale or misrouted delivery would.
func contradicting(pi *payment.PaymentIntent) []stripeEvent {
	obj := paymentIntentObject(pi)
	if pi.Status == payment.StatusSucceeded {
		return []stripeEvent{newEvent(domain.PaymentIntentCanceled, obj)}
	}
	return []stripeEvent{newEvent(domain.PaymentIntentSucceeded, map[string]any{
		"id":            pi.ID,
		"object":        "payment_intent",
		"latest_charge": fmt.Sprintf("ch_stale_%s", pi.ID),
	})}
}
