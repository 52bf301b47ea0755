package inventory

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newCachedService(t *testing.T, repo *memoryRepo) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewService(repo, client, nil, nil, ServiceConfig{})
}

func TestProductJourneyServedFromCache(t *testing.T) {
	repo := newMemoryRepo()
	svc := newCachedService(t, repo)
	id := seedStock(t, svc, repo, 95)
	ctx := context.Background()

	first, err := svc.ProductJourney(ctx, id)
	require.NoError(t, err)
	require.Len(t, first.Movements, 1)

	// Mutate storage behind the cache; the stale trace must still be served.
	repo.records[id].Movements = append(repo.records[id].Movements, Movement{
		RecordID: id, Type: MovementAdjustment, Qty: 1,
	})
	cached, err := svc.ProductJourney(ctx, id)
	require.NoError(t, err)
	require.Len(t, cached.Movements, 1)
}

func TestJourneyCacheInvalidatedOnMutation(t *testing.T) {
	repo := newMemoryRepo()
	svc := newCachedService(t, repo)
	id := seedStock(t, svc, repo, 95)
	ctx := context.Background()

	_, err := svc.ProductJourney(ctx, id)
	require.NoError(t, err)

	require.NoError(t, svc.AddStock(ctx, id, 5, "manual intake", 9))

	refreshed, err := svc.ProductJourney(ctx, id)
	require.NoError(t, err)
	require.Len(t, refreshed.Movements, 2)
}
