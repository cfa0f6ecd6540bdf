package events

import (
	"context"
	"sync"

	"stripe-reconciler/internal/domain"
)

// Publisher announces applied order transaction transitions.
type Publisher interface {
	PublishStateChanged(ctx context.Context, event domain.OrderTransactionStateChanged) error
	Close() error
}

type noopPublisher struct{}

// NewNoopPublisher is used when no broker is configured.
func NewNoopPublisher() Publisher { return noopPublisher{} }

func (noopPublisher) PublishStateChanged(context.Context, domain.OrderTransactionStateChanged) error {
	return nil
}

func (noopPublisher) Close() error { return nil }

// RecordingPublisher keeps published events in memory.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []domain.OrderTransactionStateChanged
}

func (p *RecordingPublisher) PublishStateChanged(_ context.Context, event domain.OrderTransactionStateChanged) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *RecordingPublisher) Close() error { return nil }

func (p *RecordingPublisher) Events() []domain.OrderTransactionStateChanged {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.OrderTransactionStateChanged(nil), p.events...)
}
