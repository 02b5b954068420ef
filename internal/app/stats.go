package app

import "github.com/prometheus/client_golang/prometheus"

// statsCollector exports the Application Core's minute-boundary stats
// snapshot as Prometheus gauges.
type statsCollector struct {
	endpointCount    prometheus.Gauge
	pendingMessages  prometheus.Gauge
	tickCompensation prometheus.Gauge
}

func newStatsCollector(serviceName string) *statsCollector {
	sc := &statsCollector{
		endpointCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: serviceName + "_atapp_endpoint_count",
			Help: "Number of endpoints currently tracked by the Application Core.",
		}),
		pendingMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: serviceName + "_atapp_pending_messages",
			Help: "Total queued forward-request messages across all endpoints.",
		}),
		tickCompensation: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: serviceName + "_atapp_tick_compensation_seconds",
			Help: "Current tick-timer compensation bucket, in seconds.",
		}),
	}
	prometheus.MustRegister(sc.endpointCount, sc.pendingMessages, sc.tickCompensation)
	return sc
}
