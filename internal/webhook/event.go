package webhook

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/stripe/stripe-go/v82"

	"stripe-reconciler/internal/domain"
)

// ErrUnsupportedEvent is returned for event types this service ignores.
var ErrUnsupportedEvent = errors.New("unsupported event type")

// DecodeError marks a payload that could not be read.
type DecodeError struct {
	EventType string
	Err       error
}

func (e *DecodeError) Error() string {
	return "decode " + e.EventType + " event: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error { return e.Err }

// PaymentIntent is a payment intent event payload. ChargeIDs lists the
// associated charges in provider order.
type PaymentIntent struct {
	ID        string
	ChargeIDs []string
}

// Event is a provider event reduced to what the handler needs.
type Event struct {
	ID            string
	Kind          domain.EventKind
	ObjectID      string
	PaymentIntent *PaymentIntent
}

// legacyCharges covers API versions that still embed the charges list.
type legacyCharges struct {
	Charges *struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	} `json:"charges"`
}

type sourceObject struct {
	ID string `json:"id"`
}

// Decode extracts the object of a supported event. Unknown types yield
// ErrUnsupportedEvent.
func Decode(ev stripe.Event) (Event, error) {
	kind := domain.EventKind(ev.Type)
	if _, ok := kind.Target(); !ok {
		return Event{}, ErrUnsupportedEvent
	}
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return Event{}, &DecodeError{EventType: string(ev.Type), Err: errors.New("missing data object")}
	}
	raw := ev.Data.Raw
	out := Event{ID: ev.ID, Kind: kind}

	field, _ := kind.CorrelationField()
	switch field {
	case domain.CorrelationChargeID:
		var charge stripe.Charge
		if err := json.Unmarshal(raw, &charge); err != nil {
			return Event{}, &DecodeError{EventType: string(ev.Type), Err: err}
		}
		out.ObjectID = charge.ID

	case domain.CorrelationPaymentIntentID:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(raw, &pi); err != nil {
			return Event{}, &DecodeError{EventType: string(ev.Type), Err: err}
		}
		var legacy legacyCharges
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return Event{}, &DecodeError{EventType: string(ev.Type), Err: err}
		}
		intent := &PaymentIntent{ID: pi.ID}
		if legacy.Charges != nil {
			for _, c := range legacy.Charges.Data {
				if c.ID != "" {
					intent.ChargeIDs = append(intent.ChargeIDs, c.ID)
				}
			}
		}
		if len(intent.ChargeIDs) == 0 && pi.LatestCharge != nil && pi.LatestCharge.ID != "" {
			intent.ChargeIDs = []string{pi.LatestCharge.ID}
		}
		out.ObjectID = pi.ID
		out.PaymentIntent = intent

	case domain.CorrelationSourceID:
		var src sourceObject
		if err := json.Unmarshal(raw, &src); err != nil {
			return Event{}, &DecodeError{EventType: string(ev.Type), Err: err}
		}
		out.ObjectID = src.ID
	}

	if out.ObjectID == "" {
		return Event{}, &DecodeError{EventType: string(ev.Type), Err: errors.New("object has no id")}
	}
	return out, nil
}
