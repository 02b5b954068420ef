package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/owent/libatapp-sub000/pkg/logging"
)

func setupTestSnapshotCache(t *testing.T) *SnapshotCache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	return NewSnapshotCache(client, "node-a", logging.NewNop())
}

func TestTryAcquireLeaderLeaseIsExclusive(t *testing.T) {
	cache := setupTestSnapshotCache(t)
	ctx := context.Background()

	require.True(t, cache.TryAcquireLeaderLease(ctx, "instance-1", time.Second))
	require.False(t, cache.TryAcquireLeaderLease(ctx, "instance-2", time.Second))
	require.True(t, cache.TryAcquireLeaderLease(ctx, "instance-1", time.Second))
}

func TestRenewLeaderLeaseOnlyExtendsHolder(t *testing.T) {
	cache := setupTestSnapshotCache(t)
	ctx := context.Background()
	require.True(t, cache.TryAcquireLeaderLease(ctx, "instance-1", time.Second))

	require.False(t, cache.RenewLeaderLease(ctx, "instance-2", time.Second))
	require.True(t, cache.RenewLeaderLease(ctx, "instance-1", time.Second))
}

func TestReleaseLeaderLeaseAllowsReacquire(t *testing.T) {
	cache := setupTestSnapshotCache(t)
	ctx := context.Background()
	require.True(t, cache.TryAcquireLeaderLease(ctx, "instance-1", time.Second))

	cache.ReleaseLeaderLease(ctx, "instance-1")
	require.True(t, cache.TryAcquireLeaderLease(ctx, "instance-2", time.Second))
}

func TestPublishAndFetchSnapshotRoundTrips(t *testing.T) {
	cache := setupTestSnapshotCache(t)
	ctx := context.Background()

	recs := []*PeerRecord{
		{ID: 1, Name: "peer-1"},
		{ID: 2, Name: "peer-2"},
	}
	require.NoError(t, cache.PublishSnapshot(ctx, recs, time.Minute))

	got, err := cache.FetchSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, uint64(1), got[0].ID)
	require.Equal(t, "peer-2", got[1].Name)
}

func TestFetchSnapshotMissingKeyIsNilNotError(t *testing.T) {
	cache := setupTestSnapshotCache(t)
	got, err := cache.FetchSnapshot(context.Background())
	require.NoError(t, err)
	require.Nil(t, got)
}
