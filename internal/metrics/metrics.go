package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roman-kulish/fleet-monitor/internal/fleet"
)

const namespace = "fleet_monitor"

// Command outcome labels
const (
	ResultOK        = "ok"
	ResultUnknown   = "unknown_drone"
	ResultTransport = "transport_error"
	ResultRejected  = "rejected"
)

// Metrics holds the pipeline collectors and the registry they are exposed on
type Metrics struct {
	registry *prometheus.Registry

	FramesReceived    prometheus.Counter
	EventsApplied     *prometheus.CounterVec
	EventsMalformed   prometheus.Counter
	StreamConnected   prometheus.Gauge
	StreamDisconnects prometheus.Counter
	DronesTracked     prometheus.Gauge
	DronesAnomalous   prometheus.Gauge
	AlertsRetained    prometheus.Gauge
	AlertsDropped     prometheus.Gauge
	SnapshotVersion   prometheus.Gauge
	CommandsSent      *prometheus.CounterVec
	CommandDuration   prometheus.Histogram
}

// New creates the collectors and registers them on a fresh registry together
// with the Go runtime and process collectors
func New() *Metrics {
	m := Metrics{
		registry: prometheus.NewRegistry(),

		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "frames_received_total",
			Help:      "Data frames received from the telemetry stream.",
		}),
		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "applied_total",
			Help:      "Events applied to the fleet state by kind.",
		}, []string{"kind"}),
		EventsMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "malformed_total",
			Help:      "Frames dropped because they could not be decoded.",
		}),
		StreamConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "connected",
			Help:      "1 while the telemetry stream is connected.",
		}),
		StreamDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "disconnects_total",
			Help:      "Times the telemetry stream was lost.",
		}),
		DronesTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "drones",
			Help:      "Drones known to the monitor.",
		}),
		DronesAnomalous: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "drones_anomalous",
			Help:      "Drones whose last telemetry was flagged anomalous.",
		}),
		AlertsRetained: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "alerts",
			Help:      "Alerts held in the alert log.",
		}),
		AlertsDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "alerts_dropped",
			Help:      "Alerts evicted from the alert log.",
		}),
		SnapshotVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "snapshot_version",
			Help:      "Version of the current fleet snapshot.",
		}),
		CommandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "sent_total",
			Help:      "Drone commands by command and result.",
		}, []string{"command", "result"}),
		CommandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "duration_seconds",
			Help:      "Round trip time of drone command requests.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.FramesReceived,
		m.EventsApplied,
		m.EventsMalformed,
		m.StreamConnected,
		m.StreamDisconnects,
		m.DronesTracked,
		m.DronesAnomalous,
		m.AlertsRetained,
		m.AlertsDropped,
		m.SnapshotVersion,
		m.CommandsSent,
		m.CommandDuration,
	)

	return &m
}

// Registry returns the registry all collectors are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveSnapshot sets the fleet gauges from a snapshot
func (m *Metrics) ObserveSnapshot(snap *fleet.Snapshot) {
	m.DronesTracked.Set(float64(snap.Len()))
	m.DronesAnomalous.Set(float64(snap.Anomalous()))
	m.AlertsRetained.Set(float64(snap.AlertCount()))
	m.AlertsDropped.Set(float64(snap.AlertsDropped()))
	m.SnapshotVersion.Set(float64(snap.Version()))
}
