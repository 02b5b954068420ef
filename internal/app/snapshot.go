package app

import (
	"context"
	"time"
)

// tickSnapshotCache drives the optional Redis-backed watch-stream leader
// lease and Discovery Set snapshot: the leader renews its lease and
// publishes what it has learned from etcd; every other replica
// periodically retries acquiring the lease (in case the leader died) and,
// while still a follower, refreshes its local Discovery Set from the
// leader's published snapshot instead of running its own watch stream.
func (a *App) tickSnapshotCache(ctx context.Context, now time.Time) {
	if a.snapshotCache == nil {
		return
	}

	if a.isWatchLeader {
		if !now.Before(a.nextLeaseTry) {
			if !a.snapshotCache.RenewLeaderLease(ctx, a.instanceID, a.cfg.Redis.LeaseTTL) {
				a.isWatchLeader = false
				a.logger.Warn("app: lost discovery watch-stream lease")
			}
			a.nextLeaseTry = now.Add(a.cfg.Redis.LeaseTTL / 2)
		}
		if !now.Before(a.nextSnapshot) {
			if err := a.snapshotCache.PublishSnapshot(ctx, a.discoverySet.All(), a.cfg.Redis.SnapshotTTL); err != nil {
				a.logger.WithError(err).Debug("app: publish discovery snapshot failed")
			}
			a.nextSnapshot = now.Add(a.cfg.Redis.SnapshotTTL / 2)
		}
		return
	}

	if !now.Before(a.nextLeaseTry) {
		if a.snapshotCache.TryAcquireLeaderLease(ctx, a.instanceID, a.cfg.Redis.LeaseTTL) {
			a.isWatchLeader = true
			a.logger.Info("app: promoted to discovery watch-stream leader")
			if a.registryClient != nil {
				a.setupWatchers()
			}
		}
		a.nextLeaseTry = now.Add(a.cfg.Redis.LeaseTTL)
	}

	if !now.Before(a.nextSnapshot) {
		recs, err := a.snapshotCache.FetchSnapshot(ctx)
		if err != nil {
			a.logger.WithError(err).Debug("app: fetch discovery snapshot failed")
		}
		for _, rec := range recs {
			a.handleDiscoveryPut(rec)
		}
		a.nextSnapshot = now.Add(a.cfg.Redis.SnapshotTTL / 2)
	}
}
