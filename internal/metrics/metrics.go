// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exports the daemon's Prometheus gauges: buffer pool
// occupancy and conntrack table size read live off the shared
// instances the manager already owns, rather than duplicating counters
// anywhere else.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"mvirt.io/netd/internal/bufpool"
)

// NewRegistry builds a Prometheus registry wired to pool and conntrackLen.
// conntrackLen is sampled on every scrape; since each vNIC reactor owns its
// own conntrack table, the manager supplies a closure that sums across all
// of them rather than handing this package a single *conntrack.Table. The
// returned registry has no other collectors; callers that also want Go
// runtime metrics register those separately.
func NewRegistry(pool *bufpool.Pool, conntrackLen func() int) *prometheus.Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "netd_bufpool_available",
		Help: "Number of free buffers remaining in the shared buffer pool",
	}, func() float64 { return float64(pool.Available()) }))

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "netd_bufpool_buffer_size_bytes",
		Help: "Size in bytes of each buffer in the shared pool",
	}, func() float64 { return float64(pool.BufferSize()) }))

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "netd_conntrack_entries",
		Help: "Number of live entries across every NIC's conntrack table",
	}, func() float64 { return float64(conntrackLen()) }))

	return reg
}

// RegisterReactor wires one reactor's counters into reg under its id,
// sampling the rx, tx and drops callbacks (typically closures over
// reactor.Reactor.Status) each scrape.
func RegisterReactor(reg *prometheus.Registry, id string, rx, tx, drops func() float64) {
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name:        "netd_reactor_rx_packets_total",
		Help:        "Packets received by this reactor",
		ConstLabels: prometheus.Labels{"reactor_id": id},
	}, rx))
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name:        "netd_reactor_tx_packets_total",
		Help:        "Packets transmitted by this reactor",
		ConstLabels: prometheus.Labels{"reactor_id": id},
	}, tx))
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name:        "netd_reactor_dropped_packets_total",
		Help:        "Packets dropped by this reactor",
		ConstLabels: prometheus.Labels{"reactor_id": id},
	}, drops))
}
