package payment

import (
	"context"

	"github.com/pkg/errors"
	"github.com/stripe/stripe-go/v82"
)

type stripeGateway struct {
	client *stripe.Client
}

func NewStripeGateway(secretKey string, opts ...stripe.ClientOption) Gateway {
	return &stripeGateway{client: stripe.NewClient(secretKey, opts...)}
}

func (g *stripeGateway) RetrievePaymentIntent(ctx context.Context, id string) (*PaymentIntent, error) {
	pi, err := g.client.V1PaymentIntents.Retrieve(ctx, id, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "retrieve payment intent %s", id)
	}

	out := &PaymentIntent{
		ID:                pi.ID,
		Status:            string(pi.Status),
		LastPaymentFailed: pi.LastPaymentError != nil,
	}
	if pi.LatestCharge != nil {
		out.LatestChargeID = pi.LatestCharge.ID
	}
	return out, nil
}
