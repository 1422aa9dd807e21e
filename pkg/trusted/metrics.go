package trusted

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/plugin-smaf/internal/promutil"
)

type metrics struct {
	connections     prometheus.Gauge
	sessions        prometheus.Gauge
	registeredBytes prometheus.Gauge
	registrations   *prometheus.CounterVec
	invocations     *prometheus.CounterVec
	invokeDuration  prometheus.Histogram
}

func newMetrics(config *Config) *metrics {
	ns := config.MetricsNamespace
	m := &metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "connections",
			Help:      "Number of client connections being served.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "sessions",
			Help:      "Number of open applet sessions.",
		}),
		registeredBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "registered_bytes",
			Help:      "Bytes of shared memory currently registered.",
		}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "registrations_total",
			Help:      "Total number of shared memory registrations, by result.",
		}, []string{"result"}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "invocations_total",
			Help:      "Total number of command invocations, by command and result.",
		}, []string{"command", "result"}),
		invokeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "invoke_duration_seconds",
			Help:      "Time spent in applet invocations.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
	}
	reg := config.Registerer
	m.connections = promutil.Register(reg, m.connections)
	m.sessions = promutil.Register(reg, m.sessions)
	m.registeredBytes = promutil.Register(reg, m.registeredBytes)
	m.registrations = promutil.Register(reg, m.registrations)
	m.invocations = promutil.Register(reg, m.invocations)
	m.invokeDuration = promutil.Register(reg, m.invokeDuration)
	return m
}
