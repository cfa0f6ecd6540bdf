package locking

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"stripe-reconciler/internal/domain"
	"stripe-reconciler/internal/metrics"
)

// Locker hands out mutually exclusive locks by key. Acquire blocks until the
// lock is held or ctx is done; the returned release func is safe to call more
// than once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Service serializes work on a single order transaction.
type Service interface {
	// WithLock runs fn while holding the lock for id. Waiting longer than the
	// configured timeout yields domain.ErrLockTimeout and fn is not run.
	WithLock(ctx context.Context, id uuid.UUID, fn func(ctx context.Context) error) error
}

type service struct {
	locker  Locker
	timeout time.Duration
	metrics *metrics.Metrics
}

func NewService(locker Locker, timeout time.Duration, m *metrics.Metrics) Service {
	return &service{locker: locker, timeout: timeout, metrics: m}
}

func lockKey(id uuid.UUID) string {
	return "order_transaction:" + id.String()
}

func (s *service) WithLock(ctx context.Context, id uuid.UUID, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	acquireCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	release, err := s.locker.Acquire(acquireCtx, lockKey(id))
	s.metrics.LockWait(time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			s.metrics.LockTimeout()
			log.Ctx(ctx).Warn().Str("order_transaction_id", id.String()).Dur("timeout", s.timeout).Msg("lock wait timed out")
			return errors.Wrapf(domain.ErrLockTimeout, "order transaction %s", id)
		}
		return errors.Wrapf(err, "acquire lock for order transaction %s", id)
	}
	defer release()

	return fn(ctx)
}
