package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stripe-reconciler/internal/domain"
)

func TestCachedOrderTransactionRepo(t *testing.T) {
	client := startRedis(t)
	exerciseRepo(t, NewCachedOrderTransactionRepo(NewMemoryOrderTransactionRepo(), client, time.Minute))
}

func TestCachedRepoReadsStateFromPrimary(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	primary := NewMemoryOrderTransactionRepo()
	cached := NewCachedOrderTransactionRepo(primary, client, time.Minute)

	tx := newTransaction(withCorrelation(domain.CorrelationChargeID, "ch_cached"))
	require.NoError(t, primary.Create(ctx, tx))

	got, err := cached.FindByCorrelationID(ctx, domain.CorrelationChargeID, "ch_cached")
	require.NoError(t, err)
	require.NotNil(t, got)

	key := correlationCacheKey(domain.CorrelationChargeID, "ch_cached")
	id, err := client.Get(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, tx.ID.String(), id)

	require.NoError(t, primary.UpdateState(ctx, tx.ID, domain.TransactionPaid))
	got, err = cached.FindByCorrelationID(ctx, domain.CorrelationChargeID, "ch_cached")
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionPaid, got.State, "cache hit must not serve a stale state")
}

func TestCachedRepoDropsStaleMapping(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	primary := NewMemoryOrderTransactionRepo()
	cached := NewCachedOrderTransactionRepo(primary, client, time.Minute)

	tx := newTransaction(withCorrelation(domain.CorrelationChargeID, "ch_moved"))
	require.NoError(t, primary.Create(ctx, tx))
	_, err := cached.FindByCorrelationID(ctx, domain.CorrelationChargeID, "ch_moved")
	require.NoError(t, err)

	require.NoError(t, primary.UpdateCustomField(ctx, tx.ID, domain.CorrelationChargeID.Path(), "ch_other"))

	got, err := cached.FindByCorrelationID(ctx, domain.CorrelationChargeID, "ch_moved")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Zero(t, client.Exists(ctx, correlationCacheKey(domain.CorrelationChargeID, "ch_moved")).Val())
}
