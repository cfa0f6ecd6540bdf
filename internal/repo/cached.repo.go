package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"stripe-reconciler/internal/domain"
)

// CachedOrderTransactionRepo caches the correlation id -> transaction id mapping
// in redis. Transactions themselves are always read from the primary store, so
// the state seen by callers is never stale.
type CachedOrderTransactionRepo struct {
	OrderTransactionRepo
	redisClient *redis.Client
	ttl         time.Duration
}

func NewCachedOrderTransactionRepo(primary OrderTransactionRepo, redisClient *redis.Client, ttl time.Duration) *CachedOrderTransactionRepo {
	return &CachedOrderTransactionRepo{
		OrderTransactionRepo: primary,
		redisClient:          redisClient,
		ttl:                  ttl,
	}
}

func correlationCacheKey(field domain.CorrelationField, value string) string {
	return "order_transaction:" + string(field) + ":" + value
}

func (r *CachedOrderTransactionRepo) FindByCorrelationID(ctx context.Context, field domain.CorrelationField, value string) (*domain.OrderTransaction, error) {
	key := correlationCacheKey(field, value)

	cached, err := r.redisClient.Get(ctx, key).Result()
	if err == nil {
		if id, parseErr := uuid.Parse(cached); parseErr == nil {
			t, err := r.OrderTransactionRepo.FindById(ctx, id)
			if err != nil {
				return nil, err
			}
			if t != nil {
				if v, ok := t.CorrelationID(field); ok && v == value {
					return t, nil
				}
			}
		}
		// stale mapping
		r.redisClient.Del(ctx, key)
	} else if err != redis.Nil {
		log.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("correlation cache unavailable, reading primary store")
	}

	t, err := r.OrderTransactionRepo.FindByCorrelationID(ctx, field, value)
	if err != nil || t == nil {
		return t, err
	}
	if err := r.redisClient.Set(ctx, key, t.ID.String(), r.ttl).Err(); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("failed to cache correlation id")
	}
	return t, nil
}

func (r *CachedOrderTransactionRepo) UpdateCustomField(ctx context.Context, id uuid.UUID, path []string, value any) error {
	if err := r.OrderTransactionRepo.UpdateCustomField(ctx, id, path, value); err != nil {
		return err
	}
	if len(path) == 3 && path[0] == domain.CustomFieldsPaymentContextKey && path[1] == domain.CustomFieldsPaymentKey {
		if s, ok := value.(string); ok && s != "" {
			key := correlationCacheKey(domain.CorrelationField(path[2]), s)
			if err := r.redisClient.Set(ctx, key, id.String(), r.ttl).Err(); err != nil {
				log.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("failed to cache correlation id")
			}
		}
	}
	return nil
}
