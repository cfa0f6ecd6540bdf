package domain

import (
	"time"

	"github.com/google/uuid"
)

type TransactionState string

const (
	TransactionOpen              TransactionState = "open"
	TransactionInProgress        TransactionState = "in_progress"
	TransactionUnconfirmed       TransactionState = "unconfirmed"
	TransactionAuthorized        TransactionState = "authorized"
	TransactionReminded          TransactionState = "reminded"
	TransactionPaid              TransactionState = "paid"
	TransactionPaidPartially     TransactionState = "paid_partially"
	TransactionCancelled         TransactionState = "cancelled"
	TransactionFailed            TransactionState = "failed"
	TransactionRefunded          TransactionState = "refunded"
	TransactionRefundedPartially TransactionState = "refunded_partially"
	TransactionChargeback        TransactionState = "chargeback"
)

// Custom field layout used by the Stripe payment plugin.
const (
	CustomFieldsPaymentContextKey = "stripe_payment_context"
	CustomFieldsPaymentKey        = "payment"
)

// CorrelationField names a provider identifier stored on an order transaction.
type CorrelationField string

const (
	CorrelationPaymentIntentID CorrelationField = "payment_intent_id"
	CorrelationChargeID        CorrelationField = "charge_id"
	CorrelationSourceID        CorrelationField = "source_id"
)

// Path returns the custom field path of the correlation id,
// e.g. stripe_payment_context.payment.charge_id.
func (f CorrelationField) Path() []string {
	return []string{CustomFieldsPaymentContextKey, CustomFieldsPaymentKey, string(f)}
}

func (f CorrelationField) Valid() bool {
	switch f {
	case CorrelationPaymentIntentID, CorrelationChargeID, CorrelationSourceID:
		return true
	}
	return false
}

type OrderTransaction struct {
	ID             uuid.UUID
	OrderID        uuid.UUID
	OrderVersionID uuid.UUID
	State          TransactionState
	CustomFields   map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CorrelationID reads a provider identifier from the custom fields. The second
// return value is false when the field is absent or not a non-empty string.
func (t *OrderTransaction) CorrelationID(field CorrelationField) (string, bool) {
	v, ok := LookupCustomField(t.CustomFields, field.Path())
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// LookupCustomField walks a nested custom field map along path.
func LookupCustomField(fields map[string]any, path []string) (any, bool) {
	var cur any = fields
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// SetCustomField writes value at path, creating intermediate maps as needed.
// Non-map intermediates are replaced.
func SetCustomField(fields map[string]any, path []string, value any) map[string]any {
	if fields == nil {
		fields = map[string]any{}
	}
	if len(path) == 0 {
		return fields
	}
	cur := fields
	for _, key := range path[:len(path)-1] {
		next, ok := cur[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[key] = next
		}
		cur = next
	}
	cur[path[len(path)-1]] = value
	return fields
}

// CloneCustomFields deep copies nested maps so callers cannot alias stored state.
func CloneCustomFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if m, ok := v.(map[string]any); ok {
			out[k] = CloneCustomFields(m)
			continue
		}
		out[k] = v
	}
	return out
}

func (t *OrderTransaction) Clone() *OrderTransaction {
	c := *t
	c.CustomFields = CloneCustomFields(t.CustomFields)
	return &c
}
