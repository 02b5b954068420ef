package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWakeQueuePopReadyOrdersByTime(t *testing.T) {
	q := newWakeQueue()
	base := time.Now()
	q.Push(1, base.Add(2*time.Second))
	q.Push(2, base.Add(1*time.Second))
	q.Push(3, base.Add(3*time.Second))

	ready := q.PopReady(base.Add(1500 * time.Millisecond))
	require.Equal(t, []uint64{2}, ready)

	ready = q.PopReady(base.Add(10 * time.Second))
	require.Equal(t, []uint64{1, 3}, ready)
}

func TestWakeQueuePushKeepsEarliestPerPeer(t *testing.T) {
	q := newWakeQueue()
	base := time.Now()
	q.Push(1, base.Add(5*time.Second))
	q.Push(1, base.Add(1*time.Second))

	require.Empty(t, q.PopReady(base.Add(500*time.Millisecond)))
	require.Equal(t, []uint64{1}, q.PopReady(base.Add(2*time.Second)))
}

func TestRecordTickCostAccumulatesOnlyPastThreshold(t *testing.T) {
	a := &App{}
	a.cfg = testConfig("cost-node")
	a.cfg.Timer.TickInterval = 100 * time.Millisecond
	a.cfg.Timer.ReservePermille = 200
	a.cfg.Timer.ReserveIntervalMax = 64 * time.Millisecond

	a.recordTickCost(50 * time.Millisecond)
	require.Zero(t, a.tickCompensation)

	a.recordTickCost(90 * time.Millisecond)
	require.Equal(t, 10*time.Millisecond, a.tickCompensation)
}

func TestRecordTickCostCapsAtReserveIntervalMax(t *testing.T) {
	a := &App{}
	a.cfg = testConfig("cap-node")
	a.cfg.Timer.TickInterval = 100 * time.Millisecond
	a.cfg.Timer.ReservePermille = 0
	a.cfg.Timer.ReserveIntervalMax = 30 * time.Millisecond

	a.recordTickCost(200 * time.Millisecond)
	require.Equal(t, 30*time.Millisecond, a.tickCompensation)
}

func TestNextIntervalAppliesAndDrainsCompensation(t *testing.T) {
	a := &App{}
	a.cfg = testConfig("interval-node")
	a.cfg.Timer.TickInterval = 100 * time.Millisecond
	a.cfg.Timer.ReserveIntervalMin = 5 * time.Millisecond
	a.tickCompensation = 20 * time.Millisecond

	require.Equal(t, 80*time.Millisecond, a.nextInterval())
	require.Zero(t, a.tickCompensation)
	require.Equal(t, 100*time.Millisecond, a.nextInterval())
}

func TestNextIntervalFloorsAtReserveIntervalMin(t *testing.T) {
	a := &App{}
	a.cfg = testConfig("floor-node")
	a.cfg.Timer.TickInterval = 10 * time.Millisecond
	a.cfg.Timer.ReserveIntervalMin = 5 * time.Millisecond
	a.tickCompensation = 9 * time.Millisecond

	require.Equal(t, 5*time.Millisecond, a.nextInterval())
}
