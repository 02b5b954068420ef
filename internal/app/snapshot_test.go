package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/owent/libatapp-sub000/internal/discovery"
	"github.com/owent/libatapp-sub000/pkg/logging"
)

func redisTestConfig(t *testing.T, name string) (*App, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := testConfig(name)
	cfg.Redis.Enable = true
	cfg.Redis.Addr = mr.Addr()
	cfg.Redis.Namespace = "shared-cluster"
	cfg.Redis.LeaseTTL = time.Minute
	cfg.Redis.SnapshotTTL = time.Minute

	a := New(cfg, "", logging.NewNop())
	require.Equal(t, 0, int(mustInit(t, a)))
	return a, mr
}

func TestFirstReplicaAcquiresWatchLeadership(t *testing.T) {
	a, mr := redisTestConfig(t, "leader-node")
	require.True(t, a.isWatchLeader)

	cfg := testConfig("follower-node")
	cfg.Redis.Enable = true
	cfg.Redis.Addr = mr.Addr()
	cfg.Redis.Namespace = "shared-cluster"
	cfg.Redis.LeaseTTL = time.Minute
	cfg.Redis.SnapshotTTL = time.Minute
	b := New(cfg, "", logging.NewNop())
	require.Equal(t, 0, int(mustInit(t, b)))

	require.False(t, b.isWatchLeader)
}

func TestFollowerAdoptsLeaderPublishedSnapshot(t *testing.T) {
	leader, mr := redisTestConfig(t, "publish-leader-node")
	leader.handleDiscoveryPut(&discovery.PeerRecord{ID: 101, Name: "mesh-peer"})

	leader.tickSnapshotCache(context.Background(), leader.timeNow())

	cfg := testConfig("snapshot-follower-node")
	cfg.Redis.Enable = true
	cfg.Redis.Addr = mr.Addr()
	cfg.Redis.Namespace = "shared-cluster"
	cfg.Redis.LeaseTTL = time.Minute
	cfg.Redis.SnapshotTTL = time.Minute
	follower := New(cfg, "", logging.NewNop())
	require.Equal(t, 0, int(mustInit(t, follower)))
	require.False(t, follower.isWatchLeader)

	follower.tickSnapshotCache(context.Background(), follower.timeNow())

	require.NotNil(t, follower.discoverySet.ByID(101))
}
