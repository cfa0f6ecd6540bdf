package payment

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

var (
	ErrCardDeclined      = errors.New("card declined")
	ErrConnectionTimeout = errors.New("connection timeout")
)

// MockGateway is an in-memory provider. Charge resolves intents at random the
// way a flaky network would, including charges that succeed at the provider
// while the caller sees a timeout.
type MockGateway struct {
	mu      sync.RWMutex
	intents map[string]*PaymentIntent
	latency time.Duration
	seq     int
}

func NewMockGateway(latency time.Duration) *MockGateway {
	return &MockGateway{intents: make(map[string]*PaymentIntent), latency: latency}
}

// CreatePaymentIntent registers a new intent awaiting payment.
func (g *MockGateway) CreatePaymentIntent() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	id := fmt.Sprintf("pi_mock_%06d", g.seq)
	g.intents[id] = &PaymentIntent{ID: id, Status: StatusRequiresPaymentMethod}
	return id
}

// SetPaymentIntent overwrites the provider state of an intent.
func (g *MockGateway) SetPaymentIntent(pi PaymentIntent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intents[pi.ID] = &pi
}

// Charge attempts payment for the intent. Charging an intent that already
// succeeded returns its outcome again.
func (g *MockGateway) Charge(ctx context.Context, intentID string) (*PaymentIntent, error) {
	g.mu.RLock()
	pi, ok := g.intents[intentID]
	if ok && pi.Status == StatusSucceeded {
		out := *pi
		g.mu.RUnlock()
		return &out, nil
	}
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no such payment intent %s", intentID)
	}

	chance := rand.IntN(100)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(g.latency):
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	chargeID := fmt.Sprintf("ch_mock_%s_%d", strings.TrimPrefix(intentID, "pi_"), chance)

	switch {
	case chance < 70:
		*pi = PaymentIntent{ID: intentID, Status: StatusSucceeded, LatestChargeID: chargeID}
		out := *pi
		return &out, nil
	case chance < 90:
		*pi = PaymentIntent{ID: intentID, Status: StatusRequiresPaymentMethod, LatestChargeID: chargeID, LastPaymentFailed: true}
		return nil, ErrCardDeclined
	default:
		// charged, but the caller never hears about it
		*pi = PaymentIntent{ID: intentID, Status: StatusSucceeded, LatestChargeID: chargeID}
		return nil, ErrConnectionTimeout
	}
}

func (g *MockGateway) RetrievePaymentIntent(ctx context.Context, id string) (*PaymentIntent, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	pi, ok := g.intents[id]
	if !ok {
		return nil, fmt.Errorf("no such payment intent %s", id)
	}
	out := *pi
	return &out, nil
}
