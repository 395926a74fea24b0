// Package metrics registers the controller's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric the controller exports.
type Metrics struct {
	// Registration and heartbeat flow
	Registrations *prometheus.CounterVec // result: created, re_registered, conflict, pool_exhausted
	Heartbeats    *prometheus.CounterVec // result: ok, unknown_node
	ConfigFetches *prometheus.CounterVec // result: ok, not_active, not_found

	// Trust engine
	NodeTrustScore *prometheus.GaugeVec   // hostname
	TrustActions   *prometheus.CounterVec // action: none, warning, rate_limit, suspend, revoke

	// Address pool
	PoolUtilization prometheus.Gauge
	PoolAvailable   prometheus.Gauge

	// Policy engine
	PolicyCompiles  prometheus.Counter
	PolicyMutations *prometheus.CounterVec // op: create, update, delete
	ConfigVersion   prometheus.Gauge

	// Client devices
	DeviceOps *prometheus.CounterVec // op: create, revoke, config_download

	// Event stream
	StreamClients prometheus.Gauge
}

// New registers all metrics on reg; nil uses the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Registrations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlplane_registrations_total",
				Help: "Node registration attempts by result",
			},
			[]string{"result"},
		),
		Heartbeats: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlplane_heartbeats_total",
				Help: "Agent heartbeats by result",
			},
			[]string{"result"},
		),
		ConfigFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlplane_config_fetches_total",
				Help: "Agent config fetches by result",
			},
			[]string{"result"},
		),
		NodeTrustScore: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "controlplane_node_trust_score",
				Help: "Latest trust score per node",
			},
			[]string{"hostname"},
		),
		TrustActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlplane_trust_actions_total",
				Help: "Automatic trust enforcement actions taken",
			},
			[]string{"action"},
		),
		PoolUtilization: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "controlplane_ip_pool_utilization",
				Help: "Fraction of the overlay address pool in use",
			},
		),
		PoolAvailable: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "controlplane_ip_pool_available",
				Help: "Assignable overlay addresses remaining",
			},
		),
		PolicyCompiles: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "controlplane_policy_compiles_total",
				Help: "Per-node ACL compilations",
			},
		),
		PolicyMutations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlplane_policy_mutations_total",
				Help: "Access policy create/update/delete operations",
			},
			[]string{"op"},
		),
		ConfigVersion: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "controlplane_config_version",
				Help: "Current global configuration version",
			},
		),
		DeviceOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlplane_client_device_ops_total",
				Help: "Client device lifecycle operations",
			},
			[]string{"op"},
		),
		StreamClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "controlplane_event_stream_clients",
				Help: "Connected admin event stream WebSocket clients",
			},
		),
	}
}
