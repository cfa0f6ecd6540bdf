package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stripe-reconciler/internal/domain"
	"stripe-reconciler/internal/infrastructure/events"
	"stripe-reconciler/internal/locking"
	"stripe-reconciler/internal/repo"
)

type fixture struct {
	repo      *repo.MemoryOrderTransactionRepo
	locker    *locking.MemoryLocker
	publisher *events.RecordingPublisher
	states    StateHandler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:      repo.NewMemoryOrderTransactionRepo(),
		locker:    locking.NewMemoryLocker(),
		publisher: &events.RecordingPublisher{},
	}
	f.states = NewStateHandler(f.repo, locking.NewService(f.locker, time.Second, nil), f.publisher, nil)
	return f
}

func (f *fixture) seed(t *testing.T, state domain.TransactionState, fields map[string]any) uuid.UUID {
	t.Helper()
	tx := &domain.OrderTransaction{
		ID:             uuid.New(),
		OrderID:        uuid.New(),
		OrderVersionID: uuid.New(),
		State:          state,
		CustomFields:   fields,
	}
	require.NoError(t, f.repo.Create(context.Background(), tx))
	return tx.ID
}

func (f *fixture) state(t *testing.T, id uuid.UUID) domain.TransactionState {
	t.Helper()
	tx, err := f.repo.FindById(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, tx)
	return tx.State
}

func TestStateHandlerTransitionsOpenTransaction(t *testing.T) {
	tests := []struct {
		name   string
		apply  func(StateHandler) func(context.Context, uuid.UUID) error
		target domain.TransactionState
	}{
		{"paid", func(h StateHandler) func(context.Context, uuid.UUID) error { return h.Paid }, domain.TransactionPaid},
		{"cancel", func(h StateHandler) func(context.Context, uuid.UUID) error { return h.Cancel }, domain.TransactionCancelled},
		{"fail", func(h StateHandler) func(context.Context, uuid.UUID) error { return h.Fail }, domain.TransactionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			id := f.seed(t, domain.TransactionOpen, nil)

			require.NoError(t, tt.apply(f.states)(context.Background(), id))
			assert.Equal(t, tt.target, f.state(t, id))

			published := f.publisher.Events()
			require.Len(t, published, 1)
			assert.Equal(t, id.String(), published[0].OrderTransactionID)
			assert.Equal(t, domain.TransactionOpen, published[0].From)
			assert.Equal(t, tt.target, published[0].To)
		})
	}
}

func TestStateHandlerIsIdempotent(t *testing.T) {
	f := newFixture(t)
	id := f.seed(t, domain.TransactionOpen, nil)
	ctx := context.Background()

	require.NoError(t, f.states.Paid(ctx, id))
	require.NoError(t, f.states.Paid(ctx, id))
	require.NoError(t, f.states.Paid(ctx, id))

	assert.Equal(t, domain.TransactionPaid, f.state(t, id))
	assert.Len(t, f.publisher.Events(), 1, "only the applied transition is published")
}

func TestStateHandlerReportsResult(t *testing.T) {
	f := newFixture(t)
	id := f.seed(t, domain.TransactionOpen, nil)
	ctx := context.Background()

	result, err := f.states.Transition(ctx, id, domain.TransactionCancelled)
	require.NoError(t, err)
	assert.Equal(t, TransitionApplied, result)

	result, err = f.states.Transition(ctx, id, domain.TransactionCancelled)
	require.NoError(t, err)
	assert.Equal(t, TransitionNoop, result)

	result, err = f.states.Transition(ctx, id, domain.TransactionPaid)
	assert.ErrorIs(t, err, domain.ErrConflictingStateTransition)
	assert.Equal(t, TransitionConflict, result)

	_, err = f.states.Transition(ctx, id, domain.TransactionRefunded)
	assert.Error(t, err)
	assert.Equal(t, domain.TransactionCancelled, f.state(t, id))
}

func TestStateHandlerRefusesToOverwriteTerminalState(t *testing.T) {
	f := newFixture(t)
	id := f.seed(t, domain.TransactionPaid, nil)

	err := f.states.Fail(context.Background(), id)
	require.ErrorIs(t, err, domain.ErrConflictingStateTransition)

	var conflict *domain.ConflictingStateTransitionError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, domain.TransactionPaid, conflict.Current)
	assert.Equal(t, domain.TransactionFailed, conflict.Requested)

	assert.Equal(t, domain.TransactionPaid, f.state(t, id))
	assert.Empty(t, f.publisher.Events())
}

func TestStateHandlerMovesIntermediateStates(t *testing.T) {
	f := newFixture(t)
	id := f.seed(t, domain.TransactionAuthorized, nil)

	require.NoError(t, f.states.Paid(context.Background(), id))
	assert.Equal(t, domain.TransactionPaid, f.state(t, id))

	refunded := f.seed(t, domain.TransactionRefunded, nil)
	assert.ErrorIs(t, f.states.Paid(context.Background(), refunded), domain.ErrConflictingStateTransition)
}

func TestStateHandlerUnknownTransaction(t *testing.T) {
	f := newFixture(t)
	err := f.states.Paid(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrOrderTransactionNotFound)
}

func TestStateHandlerConcurrentConflictingCalls(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		id := f.seed(t, domain.TransactionOpen, nil)

		var (
			wg        sync.WaitGroup
			paidErr   error
			failedErr error
		)
		wg.Add(2)
		go func() { defer wg.Done(); paidErr = f.states.Paid(context.Background(), id) }()
		go func() { defer wg.Done(); failedErr = f.states.Fail(context.Background(), id) }()
		wg.Wait()

		final := f.state(t, id)
		switch final {
		case domain.TransactionPaid:
			assert.NoError(t, paidErr)
			assert.ErrorIs(t, failedErr, domain.ErrConflictingStateTransition)
		case domain.TransactionFailed:
			assert.NoError(t, failedErr)
			assert.ErrorIs(t, paidErr, domain.ErrConflictingStateTransition)
		default:
			t.Fatalf("unexpected final state %q", final)
		}
		assert.Len(t, f.publisher.Events(), 1)
	}
}

func TestStateHandlerConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	id := f.seed(t, domain.TransactionOpen, nil)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.states.Cancel(context.Background(), id)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, domain.TransactionCancelled, f.state(t, id))
	assert.Len(t, f.publisher.Events(), 1)
}

func TestStateHandlerLockTimeout(t *testing.T) {
	f := newFixture(t)
	states := NewStateHandler(f.repo, locking.NewService(f.locker, 30*time.Millisecond, nil), f.publisher, nil)
	id := f.seed(t, domain.TransactionOpen, nil)

	release, err := f.locker.Acquire(context.Background(), "order_transaction:"+id.String())
	require.NoError(t, err)
	defer release()

	err = states.Paid(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrLockTimeout)
	assert.Equal(t, domain.TransactionOpen, f.state(t, id))
}

type failingPublisher struct{}

func (failingPublisher) PublishStateChanged(context.Context, domain.OrderTransactionStateChanged) error {
	return errors.New("broker down")
}

func (failingPublisher) Close() error { return nil }

func TestStateHandlerPublishFailureDoesNotFailTransition(t *testing.T) {
	f := newFixture(t)
	states := NewStateHandler(f.repo, locking.NewService(f.locker, time.Second, nil), failingPublisher{}, nil)
	id := f.seed(t, domain.TransactionOpen, nil)

	require.NoError(t, states.Paid(context.Background(), id))
	assert.Equal(t, domain.TransactionPaid, f.state(t, id))
}

type brokenRepo struct {
	repo.OrderTransactionRepo
	err error
}

func (r brokenRepo) UpdateState(context.Context, uuid.UUID, domain.TransactionState) error {
	return r.err
}

func TestStateHandlerPropagatesStoreErrors(t *testing.T) {
	f := newFixture(t)
	storeErr := errors.New("connection reset")
	states := NewStateHandler(brokenRepo{f.repo, storeErr}, locking.NewService(f.locker, time.Second, nil), f.publisher, nil)
	id := f.seed(t, domain.TransactionOpen, nil)

	err := states.Paid(context.Background(), id)
	assert.ErrorIs(t, err, storeErr)
	assert.NotErrorIs(t, err, domain.ErrConflictingStateTransition)
	assert.NotErrorIs(t, err, domain.ErrOrderTransactionNotFound)

	// lock was released
	require.NoError(t, f.states.Paid(context.Background(), id))
}
