package domain

import "time"

// EventKind identifies a supported provider event.
type EventKind string

const (
	ChargeSucceeded        EventKind = "charge.succeeded"
	ChargeCanceled         EventKind = "charge.canceled"
	ChargeFailed           EventKind = "charge.failed"
	PaymentIntentSucceeded EventKind = "payment_intent.succeeded"
	PaymentIntentCanceled  EventKind = "payment_intent.canceled"
	PaymentIntentFailed    EventKind = "payment_intent.payment_failed"
	SourceCanceled         EventKind = "source.canceled"
	SourceFailed           EventKind = "source.failed"
)

// Target returns the state an event of this kind drives a transaction to.
func (k EventKind) Target() (TransactionState, bool) {
	switch k {
	case ChargeSucceeded, PaymentIntentSucceeded:
		return TransactionPaid, true
	case ChargeCanceled, PaymentIntentCanceled, SourceCanceled:
		return TransactionCancelled, true
	case ChargeFailed, PaymentIntentFailed, SourceFailed:
		return TransactionFailed, true
	}
	return "", false
}

// CorrelationField returns the custom field used to resolve the owning transaction.
func (k EventKind) CorrelationField() (CorrelationField, bool) {
	switch k {
	case ChargeSucceeded, ChargeCanceled, ChargeFailed:
		return CorrelationChargeID, true
	case PaymentIntentSucceeded, PaymentIntentCanceled, PaymentIntentFailed:
		return CorrelationPaymentIntentID, true
	case SourceCanceled, SourceFailed:
		return CorrelationSourceID, true
	}
	return "", false
}

// OrderTransactionStateChanged is published after an applied transition.
type OrderTransactionStateChanged struct {
	OrderTransactionID string           `json:"orderTransactionId"`
	OrderID            string           `json:"orderId"`
	From               TransactionState `json:"from"`
	To                 TransactionState `json:"to"`
	OccurredAt         time.Time        `json:"occurredAt"`
}
