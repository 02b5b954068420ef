package app

import (
	"container/heap"
	"context"
	"time"

	"github.com/owent/libatapp-sub000/internal/atapperr"
	"github.com/owent/libatapp-sub000/pkg/logging"
)

func (a *App) timeNow() time.Time { return time.Now() }

// wakeItem is one entry of the Application Core's wake-scheduling
// priority queue.
type wakeItem struct {
	peerID uint64
	at     time.Time
	index  int
}

type wakeHeap []*wakeItem

func (h wakeHeap) Len() int            { return len(h) }
func (h wakeHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h wakeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *wakeHeap) Push(x interface{}) { item := x.(*wakeItem); item.index = len(*h); *h = append(*h, item) }
func (h *wakeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// wakeQueue schedules endpoint retries by peer id, keeping only the
// earliest requested wake time per peer.
type wakeQueue struct {
	h    wakeHeap
	byID map[uint64]*wakeItem
}

func newWakeQueue() *wakeQueue {
	return &wakeQueue{byID: make(map[uint64]*wakeItem)}
}

// Push schedules (or moves earlier) a wake for peerID at at.
func (q *wakeQueue) Push(peerID uint64, at time.Time) {
	if existing, ok := q.byID[peerID]; ok {
		if at.Before(existing.at) {
			existing.at = at
			heap.Fix(&q.h, existing.index)
		}
		return
	}
	item := &wakeItem{peerID: peerID, at: at}
	q.byID[peerID] = item
	heap.Push(&q.h, item)
}

// PopReady removes and returns every peer id whose wake time has arrived.
func (q *wakeQueue) PopReady(now time.Time) []uint64 {
	var out []uint64
	for len(q.h) > 0 && !q.h[0].at.After(now) {
		item := heap.Pop(&q.h).(*wakeItem)
		delete(q.byID, item.peerID)
		out = append(out, item.peerID)
	}
	return out
}

// Tick runs one pass of the cooperative event loop: module ticks, a
// registry client tick, and internal-event draining, repeated until
// tick_round_timeout elapses or a pass performs no work.
func (a *App) Tick(ctx context.Context) atapperr.Code {
	if !a.flags.TestAndSet(FlagInTick) {
		return atapperr.RecursiveCall
	}
	defer a.flags.Clear(FlagInTick)

	start := a.timeNow()
	deadline := start.Add(a.cfg.Timer.TickRoundTimeout)
	innerDeadline := start.Add(a.cfg.Timer.TickInterval)

	for {
		workDone := false

		a.modulesMu.Lock()
		mods := append([]*moduleState(nil), a.modules...)
		a.modulesMu.Unlock()
		for _, ms := range mods {
			if ms.enabled && ms.active {
				ms.module.Tick(a)
			}
		}

		if a.registryClient != nil {
			busy, err := a.registryClient.Tick(ctx)
			if busy {
				workDone = true
			}
			if err != nil {
				a.logger.WithError(err).Debug("app: registry tick error")
			}
		}

		if a.topologyConn != nil {
			a.topologyConn.Tick(a.timeNow())
		}

		if a.snapshotCache != nil {
			a.tickSnapshotCache(ctx, a.timeNow())
		}

		now := a.timeNow()
		if now.Before(innerDeadline) && a.drainInternalEvents(ctx, now) {
			workDone = true
		}

		if !innerDeadline.IsZero() && !a.innerBreak.IsZero() && now.After(a.innerBreak) {
			break
		}
		if !workDone {
			break
		}
		if !now.Before(deadline) {
			break
		}
	}

	end := a.timeNow()
	a.maybeEmitMinuteStats(end)
	a.evaluateStop(end)
	return atapperr.Success
}

// drainInternalEvents services every endpoint whose wake time has
// arrived, retries the draining (discovery-deleted) endpoints, and
// pumps the loopback transport's queued self-sends.
func (a *App) drainInternalEvents(ctx context.Context, now time.Time) bool {
	did := false

	for _, peerID := range a.wake.PopReady(now) {
		a.endpointsMu.Lock()
		ep := a.endpoints[peerID]
		a.endpointsMu.Unlock()
		if ep == nil {
			continue
		}
		ep.RetryPendingMessages(ctx, now, 0)
		did = true
		if wakeAt, ok := ep.ConsumeWake(); ok {
			a.wake.Push(peerID, wakeAt)
		} else if ep.IsIdle() {
			a.removeEndpoint(peerID)
		}
	}

	if a.drainStaleEndpoints(ctx, now) {
		did = true
	}

	if a.loopback != nil && a.loopback.Process(a.cfg.Endpoint.RetryMaxPerTick) > 0 {
		did = true
	}

	return did
}

func (a *App) drainStaleEndpoints(ctx context.Context, now time.Time) bool {
	a.endpointsMu.Lock()
	draining := a.draining
	a.endpointsMu.Unlock()
	if len(draining) == 0 {
		return false
	}

	did := false
	kept := draining[:0]
	for _, ep := range draining {
		ep.RetryPendingMessages(ctx, now, 0)
		did = true
		if !ep.IsIdle() {
			kept = append(kept, ep)
		}
	}
	a.endpointsMu.Lock()
	a.draining = kept
	a.endpointsMu.Unlock()
	return did
}

// recordTickCost feeds the tick-timer compensation bucket: a tick costing
// more than tick_interval*(1000-reserve_permille)/1000 accumulates its
// overrun, capped at reserve_interval_max, for the next rearm to subtract.
func (a *App) recordTickCost(cost time.Duration) {
	threshold := a.cfg.Timer.TickInterval * time.Duration(1000-a.cfg.Timer.ReservePermille) / 1000
	if cost <= threshold {
		return
	}
	a.tickCompensation += cost - threshold
	if a.tickCompensation > a.cfg.Timer.ReserveIntervalMax {
		a.tickCompensation = a.cfg.Timer.ReserveIntervalMax
	}
}

// nextInterval returns the next timer rearm duration, shortened by any
// accumulated tick-timer compensation and floored at reserve_interval_min.
func (a *App) nextInterval() time.Duration {
	interval := a.cfg.Timer.TickInterval - a.tickCompensation
	a.tickCompensation = 0
	if interval < a.cfg.Timer.ReserveIntervalMin {
		interval = a.cfg.Timer.ReserveIntervalMin
	}
	return interval
}

func (a *App) allModulesStopped() bool {
	a.modulesMu.Lock()
	defer a.modulesMu.Unlock()
	for _, ms := range a.modules {
		if !ms.stopped {
			return false
		}
	}
	return true
}

func (a *App) evaluateStop(now time.Time) {
	if !a.flags.Has(FlagStopping) {
		return
	}
	a.modulesMu.Lock()
	mods := append([]*moduleState(nil), a.modules...)
	a.modulesMu.Unlock()
	for _, ms := range mods {
		if !ms.stopped {
			ms.stopped = ms.module.Stop(a)
		}
	}
	if a.allModulesStopped() {
		a.finishStop()
		return
	}
	if !a.stopDeadline.IsZero() && now.After(a.stopDeadline) {
		a.forceTimeout()
	}
}

func (a *App) runFinally() {
	a.modulesMu.Lock()
	finally := append([]func(a *App){}, a.finally...)
	a.modulesMu.Unlock()
	for i := len(finally) - 1; i >= 0; i-- {
		finally[i](a)
	}
}

func (a *App) finishStop() {
	a.modulesMu.Lock()
	mods := append([]*moduleState(nil), a.modules...)
	a.modulesMu.Unlock()
	for _, ms := range mods {
		ms.module.Cleanup(a)
	}
	if a.hooks.OnAllModuleCleaned != nil {
		a.hooks.OnAllModuleCleaned(a)
	}
	a.runFinally()
	a.flags.Clear(FlagStopping)
	a.flags.Set(FlagStopped)
}

func (a *App) forceTimeout() {
	a.flags.Set(FlagTimedOut)
	a.modulesMu.Lock()
	mods := append([]*moduleState(nil), a.modules...)
	a.modulesMu.Unlock()
	for _, ms := range mods {
		if !ms.stopped {
			ms.module.Timeout(a)
			ms.stopped = true
		}
		ms.module.Cleanup(a)
	}
	if a.hooks.OnAllModuleCleaned != nil {
		a.hooks.OnAllModuleCleaned(a)
	}
	a.runFinally()
	a.flags.Clear(FlagStopping)
	a.flags.Set(FlagStopped)
}

// Run blocks, ticking at the configured interval (adjusted by tick-timer
// compensation) until ctx is cancelled or Stop completes.
func (a *App) Run(ctx context.Context) atapperr.Code {
	if !a.flags.TestAndSet(FlagRunning) {
		return atapperr.RecursiveCall
	}
	defer a.flags.Clear(FlagRunning)

	for {
		if a.flags.Has(FlagStopped) {
			return atapperr.Success
		}
		select {
		case <-ctx.Done():
			return atapperr.Success
		default:
		}

		tickStart := a.timeNow()
		a.Tick(ctx)
		a.recordTickCost(a.timeNow().Sub(tickStart))

		select {
		case <-ctx.Done():
			return atapperr.Success
		case <-time.After(a.nextInterval()):
		}
	}
}

// RunOnce ticks repeatedly until timeout elapses, then returns.
func (a *App) RunOnce(ctx context.Context, timeout time.Duration) atapperr.Code {
	if !a.flags.TestAndSet(FlagRunning) {
		return atapperr.RecursiveCall
	}
	defer a.flags.Clear(FlagRunning)

	a.innerBreak = a.timeNow().Add(timeout)
	defer func() { a.innerBreak = time.Time{} }()

	for a.timeNow().Before(a.innerBreak) {
		if a.flags.Has(FlagStopped) {
			break
		}
		a.Tick(ctx)
	}
	return atapperr.Success
}

// RunNoBlock drives exactly one non-blocking tick pass.
func (a *App) RunNoBlock(ctx context.Context) atapperr.Code {
	if !a.flags.TestAndSet(FlagRunning) {
		return atapperr.RecursiveCall
	}
	defer a.flags.Clear(FlagRunning)
	return a.Tick(ctx)
}

// Reload re-reads the configuration file this App was constructed with
// and swaps it in.
func (a *App) Reload() atapperr.Code {
	if !a.flags.TestAndSet(FlagInCallback) {
		return atapperr.RecursiveCall
	}
	defer a.flags.Clear(FlagInCallback)
	if a.configPath == "" {
		return atapperr.Success
	}
	cfg, err := a.reloadConfig()
	if err != nil {
		a.logger.WithError(err).Warn("app: reload failed")
		return atapperr.LoadConfigureFile
	}
	a.cfg = cfg
	return atapperr.Success
}

// Stop begins graceful shutdown: every module's Stop is invoked, and
// invoked again on each later tick until that module reports done. The
// App transitions to Stopped either once every module reports done or
// once stop_timeout elapses, whichever comes first; the latter forces
// Timeout on any module still outstanding.
func (a *App) Stop() atapperr.Code {
	if a.flags.Has(FlagStopped) {
		return atapperr.RecursiveCall
	}
	if !a.flags.TestAndSet(FlagStopping) {
		return atapperr.RecursiveCall
	}
	a.stopDeadline = a.timeNow().Add(a.cfg.Timer.StopTimeout)

	a.modulesMu.Lock()
	mods := append([]*moduleState(nil), a.modules...)
	a.modulesMu.Unlock()
	for _, ms := range mods {
		ms.stopped = ms.module.Stop(a)
	}
	if a.allModulesStopped() {
		a.finishStop()
	}
	return atapperr.Success
}

// maybeEmitMinuteStats logs and exports a stats snapshot once per
// wall-clock minute boundary.
func (a *App) maybeEmitMinuteStats(now time.Time) {
	minute := now.Minute()
	if minute == a.lastStatsMinute {
		return
	}
	a.lastStatsMinute = minute

	a.endpointsMu.Lock()
	endpointCount := len(a.endpoints)
	pending := 0
	for _, ep := range a.endpoints {
		pending += ep.PendingCount()
	}
	a.endpointsMu.Unlock()

	if a.stats != nil {
		a.stats.endpointCount.Set(float64(endpointCount))
		a.stats.pendingMessages.Set(float64(pending))
		a.stats.tickCompensation.Set(a.tickCompensation.Seconds())
	}

	fields := logging.Fields{
		"endpoint_count":    endpointCount,
		"pending_messages":  pending,
		"tick_compensation": a.tickCompensation.String(),
	}
	if a.registryClient != nil {
		fields["registry_state"] = a.registryClient.State().String()
	}
	a.logger.WithFields(fields).Info("app: minute stats snapshot")
}
