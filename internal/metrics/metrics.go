// Package metrics defines the Prometheus metrics for the membership core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Heartbeat metrics
	HeartbeatsProcessed  prometheus.Counter
	ReregisterDirectives prometheus.Counter

	// Command metrics
	CommandsQueued  *prometheus.CounterVec
	CommandsDropped *prometheus.CounterVec

	// Registration metrics
	RegistrationsTotal *prometheus.CounterVec
	NodesRemoved       prometheus.Counter

	// Membership gauges
	NodesByHealth  *prometheus.GaugeVec
	NodesByOpState *prometheus.GaugeVec
}

// New creates the metrics and registers them with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HeartbeatsProcessed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "controlplane_heartbeats_processed_total",
				Help: "Total number of datanode heartbeats processed",
			},
		),

		ReregisterDirectives: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "controlplane_reregister_directives_total",
				Help: "Total number of reregistration directives issued",
			},
		),

		CommandsQueued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlplane_commands_queued_total",
				Help: "Total number of commands queued for datanodes",
			},
			[]string{"type"},
		),

		CommandsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlplane_commands_dropped_total",
				Help: "Total number of command events dropped by the observer allow-list",
			},
			[]string{"type"},
		),

		RegistrationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlplane_registrations_total",
				Help: "Total number of datanode registrations by outcome",
			},
			[]string{"outcome"},
		),

		NodesRemoved: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "controlplane_nodes_removed_total",
				Help: "Total number of datanodes removed by administrators",
			},
		),

		NodesByHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "controlplane_nodes_by_health",
				Help: "Current number of datanodes per health state",
			},
			[]string{"state"},
		),

		NodesByOpState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "controlplane_nodes_by_operational_state",
				Help: "Current number of datanodes per operational state",
			},
			[]string{"state"},
		),
	}
}
