package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the supervisor's pool occupancy and lifecycle counters.
type Metrics struct {
	InstancesRunning prometheus.Gauge
	PortsFree        prometheus.Gauge
	StartsTotal      prometheus.Counter
	CrashesTotal     prometheus.Counter
}

// NewMetrics registers the supervisor metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		InstancesRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "previewd",
			Name:      "instances_running",
			Help:      "Number of dev-server instances currently running.",
		}),
		PortsFree: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "previewd",
			Name:      "ports_free",
			Help:      "Number of free ports in the instance port range.",
		}),
		StartsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "previewd",
			Name:      "instance_starts_total",
			Help:      "Total dev-server instances started.",
		}),
		CrashesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "previewd",
			Name:      "instance_crashes_total",
			Help:      "Total dev-server instances that exited unexpectedly.",
		}),
	}
}
