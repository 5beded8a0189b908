package irrigation_controller

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the controller's prometheus collectors, registered on their own registry.
type Metrics struct {
	registry *prometheus.Registry

	sessionsStarted  prometheus.Counter
	sessionsActive   prometheus.Gauge
	sessionsFinished *prometheus.CounterVec
	anomalies        *prometheus.CounterVec
	sensorFailures   *prometheus.CounterVec
	gateCommands     *prometheus.CounterVec
	tickDuration     prometheus.Histogram
	alertsDropped    prometheus.Counter
}

// NewMetrics registers the collectors on reg; nil creates a fresh registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: reg,
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "awd", Name: "sessions_started_total",
			Help: "Irrigation sessions started by this instance.",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "awd", Name: "sessions_active",
			Help: "Sessions monitored by this instance.",
		}),
		sessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "awd", Name: "sessions_finished_total",
			Help: "Finalized sessions by status and reason.",
		}, []string{"status", "reason"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "awd", Name: "anomalies_total",
			Help: "Anomalies detected by type and severity.",
		}, []string{"type", "severity"}),
		sensorFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "awd", Name: "sensor_read_failures_total",
			Help: "Failed water level reads.",
		}, []string{"provider"}),
		gateCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "awd", Name: "gate_commands_total",
			Help: "Gate commands by command and outcome.",
		}, []string{"command", "result"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "awd", Name: "monitoring_tick_seconds",
			Help:    "Duration of one monitoring cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		alertsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "awd", Name: "alerts_dropped_total",
			Help: "Events dropped because the publish queue was full.",
		}),
	}
	reg.MustRegister(
		m.sessionsStarted, m.sessionsActive, m.sessionsFinished, m.anomalies,
		m.sensorFailures, m.gateCommands, m.tickDuration, m.alertsDropped,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
