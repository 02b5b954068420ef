package app

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/owent/libatapp-sub000/pkg/logging"
)

func TestNewStatsCollectorRegistersGauges(t *testing.T) {
	sc := newStatsCollector("stats_collector_test_node")
	sc.endpointCount.Set(3)
	sc.pendingMessages.Set(7)
	sc.tickCompensation.Set(0.25)

	require.Equal(t, float64(3), testutil.ToFloat64(sc.endpointCount))
	require.Equal(t, float64(7), testutil.ToFloat64(sc.pendingMessages))
	require.Equal(t, 0.25, testutil.ToFloat64(sc.tickCompensation))
}

func TestMaybeEmitMinuteStatsIsOncePerMinute(t *testing.T) {
	a := New(testConfig("minute-stats-node"), "", logging.NewNop())
	require.Equal(t, 0, int(mustInit(t, a)))

	base := time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)
	a.maybeEmitMinuteStats(base)
	require.Equal(t, 30, a.lastStatsMinute)

	a.maybeEmitMinuteStats(base.Add(10 * time.Second))
	require.Equal(t, 30, a.lastStatsMinute)

	next := base.Add(time.Minute)
	a.maybeEmitMinuteStats(next)
	require.Equal(t, 31, a.lastStatsMinute)
}
