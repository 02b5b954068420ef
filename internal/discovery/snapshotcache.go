package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/owent/libatapp-sub000/pkg/logging"
)

// SnapshotCache is an optional Redis-backed convenience for deployments that
// run several replicas of the same logical node process against one etcd
// cluster: one replica holds a short leader lease and is the only one that
// actually keeps an etcd watch stream open, publishing the resulting
// Discovery Set as a single JSON blob; the rest poll that blob instead of
// each opening their own watch, using a Lua-scripted leader lease over
// Redis to decide which replica owns the watch.
//
// This is a deployment convenience, not cluster leader election among
// distinct peers: every replica still answers sends locally, only the
// "who owns the watch stream" question is arbitrated here.
type SnapshotCache struct {
	client    goredis.UniversalClient
	namespace string
	logger    logging.Logger
}

// NewSnapshotCache wraps an existing Redis client. namespace scopes every
// key so multiple node types/clusters can share one Redis instance.
func NewSnapshotCache(client goredis.UniversalClient, namespace string, logger logging.Logger) *SnapshotCache {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &SnapshotCache{client: client, namespace: namespace, logger: logger}
}

func (c *SnapshotCache) leaseKey() string {
	return fmt.Sprintf("atapp:{%s}:watch-leader", c.namespace)
}

func (c *SnapshotCache) snapshotKey() string {
	return fmt.Sprintf("atapp:{%s}:discovery-snapshot", c.namespace)
}

var renewLeaseScript = goredis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
  return redis.call('pexpire', KEYS[1], ARGV[2])
else
  return 0
end
`)

var releaseLeaseScript = goredis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
  return redis.call('del', KEYS[1])
else
  return 0
end
`)

// TryAcquireLeaderLease attempts to become (or re-confirm being) the
// replica that drives the real etcd watch stream for ttl. instanceID
// identifies this process (hostname+pid is enough; it only needs to be
// stable across calls from the same process).
func (c *SnapshotCache) TryAcquireLeaderLease(ctx context.Context, instanceID string, ttl time.Duration) bool {
	ok, err := c.client.SetNX(ctx, c.leaseKey(), instanceID, ttl).Result()
	if err != nil {
		c.logger.WithError(err).Debug("discovery: lease acquire failed")
		return false
	}
	if ok {
		return true
	}
	val, err := c.client.Get(ctx, c.leaseKey()).Result()
	return err == nil && val == instanceID
}

// RenewLeaderLease extends the lease's TTL if instanceID still holds it.
func (c *SnapshotCache) RenewLeaderLease(ctx context.Context, instanceID string, ttl time.Duration) bool {
	ttlMs := int64(ttl / time.Millisecond)
	result, err := renewLeaseScript.Run(ctx, c.client, []string{c.leaseKey()}, instanceID, ttlMs).Int64()
	return err == nil && result == 1
}

// ReleaseLeaderLease gives up the lease, if instanceID still holds it.
func (c *SnapshotCache) ReleaseLeaderLease(ctx context.Context, instanceID string) {
	releaseLeaseScript.Run(ctx, c.client, []string{c.leaseKey()}, instanceID) //nolint:errcheck
}

// PublishSnapshot stores the current Discovery Set as a single JSON blob,
// to be read back by replicas that aren't the watch-stream leader.
func (c *SnapshotCache) PublishSnapshot(ctx context.Context, recs []*PeerRecord, ttl time.Duration) error {
	data, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("marshal discovery snapshot: %w", err)
	}
	return c.client.Set(ctx, c.snapshotKey(), data, ttl).Err()
}

// FetchSnapshot reads back the most recently published Discovery Set
// snapshot. A missing key (no leader has published yet) is reported as a
// nil slice, not an error.
func (c *SnapshotCache) FetchSnapshot(ctx context.Context) ([]*PeerRecord, error) {
	data, err := c.client.Get(ctx, c.snapshotKey()).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch discovery snapshot: %w", err)
	}
	var recs []*PeerRecord
	if err := json.Unmarshal([]byte(data), &recs); err != nil {
		return nil, fmt.Errorf("unmarshal discovery snapshot: %w", err)
	}
	return recs, nil
}
