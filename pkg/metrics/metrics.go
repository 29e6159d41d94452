package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Workload metrics
	WorkloadsEnabled = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tunnel_agent_workloads_enabled",
			Help: "Number of opt-in workloads currently discovered",
		},
	)

	TunnelRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tunnel_agent_tunnel_running",
			Help: "Whether the tunnel workload is active (1 = active, 0 = absent or stopped)",
		},
	)

	SwarmMode = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tunnel_agent_swarm_mode",
			Help: "Whether the agent runs against a swarm engine (1 = swarm, 0 = standalone)",
		},
	)

	// Engine event metrics
	EngineEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnel_agent_engine_events_total",
			Help: "Total number of translated engine events by type",
		},
		[]string{"type"},
	)

	EventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tunnel_agent_events_dropped_total",
			Help: "Total number of domain events dropped because a queue was full",
		},
	)

	EventStreamReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tunnel_agent_event_stream_reconnects_total",
			Help: "Total number of engine event stream reconnects",
		},
	)

	// Control plane metrics
	ControlPlaneRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnel_agent_control_plane_requests_total",
			Help: "Total number of control plane requests by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	ControlPlaneRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tunnel_agent_control_plane_request_duration_seconds",
			Help:    "Control plane request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// Reconciler metrics
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnel_agent_commands_total",
			Help: "Total number of control plane commands by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tunnel_agent_reconciliation_duration_seconds",
			Help:    "Time taken to converge the tunnel workload in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TunnelReplacementsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tunnel_agent_tunnel_replacements_total",
			Help: "Total number of times the tunnel workload was removed and recreated",
		},
	)
)

func init() {
	prometheus.MustRegister(WorkloadsEnabled)
	prometheus.MustRegister(TunnelRunning)
	prometheus.MustRegister(SwarmMode)
	prometheus.MustRegister(EngineEventsTotal)
	prometheus.MustRegister(EventsDroppedTotal)
	prometheus.MustRegister(EventStreamReconnects)
	prometheus.MustRegister(ControlPlaneRequestsTotal)
	prometheus.MustRegister(ControlPlaneRequestDuration)
	prometheus.MustRegister(CommandsTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(TunnelReplacementsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Outcome maps an error to the outcome label value
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
