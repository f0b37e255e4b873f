// SPDX-License-Identifier: GPL-3.0-or-later

package cac

import "github.com/prometheus/client_golang/prometheus"

// metricsSet is the optional set of Prometheus collectors a [*Context]
// updates as it runs, mirroring the way runZeroInc's sockstats exporter
// exposes kernel socket counters: a small set of gauges/counters
// registered once. The gauges are recomputed by refreshLocked each time
// [Context.Stats] runs (§4.1 Stats); the anomaly counter is incremented
// by [Context.beaconNotify] (§4.5 beacon anomalies).
type metricsSet struct {
	connectedCircuits prometheus.Gauge
	searchingChannels prometheus.Gauge
	connectedChannels prometheus.Gauge
	pendingIO         prometheus.Gauge
	beaconAnomalies   prometheus.Counter
}

// newMetricsSet creates and registers a [*metricsSet] against reg. Passing
// a nil registerer disables metrics entirely; [Context] callers treat a
// nil *metricsSet as a no-op.
func newMetricsSet(reg prometheus.Registerer) *metricsSet {
	if reg == nil {
		return nil
	}
	m := &metricsSet{
		connectedCircuits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cac",
			Name:      "connected_circuits",
			Help:      "Number of TCP virtual circuits currently connected.",
		}),
		searchingChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cac",
			Name:      "searching_channels",
			Help:      "Number of channels currently being searched for over UDP.",
		}),
		connectedChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cac",
			Name:      "connected_channels",
			Help:      "Number of channels currently bound to a virtual circuit.",
		}),
		pendingIO: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cac",
			Name:      "pending_io",
			Help:      "Number of outstanding reads, writes, and subscriptions.",
		}),
		beaconAnomalies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cac",
			Name:      "beacon_anomalies_total",
			Help:      "Number of beacon arrivals classified as anomalous.",
		}),
	}
	reg.MustRegister(
		m.connectedCircuits,
		m.searchingChannels,
		m.connectedChannels,
		m.pendingIO,
		m.beaconAnomalies,
	)
	return m
}

// refreshLocked recomputes the gauges from the context's tables. Callers
// must hold the state-lock; safe to call with a nil receiver.
func (m *metricsSet) refreshLocked(ctx *Context) {
	if m == nil {
		return
	}
	connected := 0
	ctx.servers.each(func(_ serverKey, c *TCPCircuit) {
		if c.isConnected() {
			connected++
		}
	})
	m.connectedCircuits.Set(float64(connected))
	if ctx.udp != nil {
		m.searchingChannels.Set(float64(ctx.udp.searchingCount()))
	}
	connectedChannels := 0
	ctx.channels.each(func(_ uint32, ch *Channel) {
		if ch.connected {
			connectedChannels++
		}
	})
	m.connectedChannels.Set(float64(connectedChannels))
	m.pendingIO.Set(float64(ctx.ios.len()))
}
