package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"stripe-reconciler/internal/domain"
)

// MemoryOrderTransactionRepo keeps order transactions in process. It backs the
// simulator and the tests; every read returns a copy.
type MemoryOrderTransactionRepo struct {
	mu           sync.RWMutex
	transactions map[uuid.UUID]*domain.OrderTransaction
	now          func() time.Time
}

func NewMemoryOrderTransactionRepo() *MemoryOrderTransactionRepo {
	return &MemoryOrderTransactionRepo{
		transactions: make(map[uuid.UUID]*domain.OrderTransaction),
		now:          time.Now,
	}
}

func (r *MemoryOrderTransactionRepo) FindByCorrelationID(ctx context.Context, field domain.CorrelationField, value string) (*domain.OrderTransaction, error) {
	if !field.Valid() {
		return nil, errors.Errorf("unknown correlation field %q", field)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var found *domain.OrderTransaction
	for _, t := range r.transactions {
		if v, ok := t.CorrelationID(field); ok && v == value {
			if found == nil || t.CreatedAt.After(found.CreatedAt) {
				found = t
			}
		}
	}
	if found == nil {
		return nil, nil
	}
	return found.Clone(), nil
}

func (r *MemoryOrderTransactionRepo) FindById(ctx context.Context, id uuid.UUID) (*domain.OrderTransaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.transactions[id]
	if !ok {
		return nil, nil
	}
	return t.Clone(), nil
}

func (r *MemoryOrderTransactionRepo) UpdateState(ctx context.Context, id uuid.UUID, state domain.TransactionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.transactions[id]
	if !ok {
		return &domain.NotFoundError{Value: id.String()}
	}
	t.State = state
	t.UpdatedAt = r.now()
	return nil
}

func (r *MemoryOrderTransactionRepo) UpdateCustomField(ctx context.Context, id uuid.UUID, path []string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.transactions[id]
	if !ok {
		return &domain.NotFoundError{Value: id.String()}
	}
	t.CustomFields = domain.SetCustomField(t.CustomFields, path, value)
	t.UpdatedAt = r.now()
	return nil
}

func (r *MemoryOrderTransactionRepo) FindOpenBefore(ctx context.Context, before time.Time, limit int) ([]domain.OrderTransaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.OrderTransaction
	for _, t := range r.transactions {
		if t.State != domain.TransactionOpen || !t.UpdatedAt.Before(before) {
			continue
		}
		if _, ok := t.CorrelationID(domain.CorrelationPaymentIntentID); !ok {
			continue
		}
		out = append(out, *t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryOrderTransactionRepo) Create(ctx context.Context, t *domain.OrderTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.transactions[t.ID]; exists {
		return errors.Errorf("order transaction %s already exists", t.ID)
	}
	now := r.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	r.transactions[t.ID] = t.Clone()
	return nil
}
