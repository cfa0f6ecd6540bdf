package payment

import (
	"context"
)

// Payment intent statuses as reported by Stripe.
const (
	StatusSucceeded             = "succeeded"
	StatusCanceled              = "canceled"
	StatusProcessing            = "processing"
	StatusRequiresPaymentMethod = "requires_payment_method"
	StatusRequiresConfirmation  = "requires_confirmation"
	StatusRequiresAction        = "requires_action"
	StatusRequiresCapture       = "requires_capture"
)

// PaymentIntent is the part of a provider payment intent the reconciler reads.
type PaymentIntent struct {
	ID             string
	Status         string
	LatestChargeID string
	// LastPaymentFailed is set when the latest attempt was declined.
	LastPaymentFailed bool
}

// Gateway reads the authoritative payment state from the provider.
type Gateway interface {
	RetrievePaymentIntent(ctx context.Context, id string) (*PaymentIntent, error)
}
