// Package observability exposes Prometheus collectors for the job pipeline.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	JobsSubmitted prometheus.Counter
	JobsCompleted prometheus.Counter
	JobsFailed    prometheus.Counter
	JobsCancelled prometheus.Counter

	registry *prometheus.Registry
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	factory := promauto.With(reg)
	return &Metrics{
		JobsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "comfyd_jobs_submitted_total",
			Help: "Jobs admitted and queued on the engine.",
		}),
		JobsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "comfyd_jobs_completed_total",
			Help: "Jobs that reached COMPLETED.",
		}),
		JobsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "comfyd_jobs_failed_total",
			Help: "Jobs that reached FAILED.",
		}),
		JobsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "comfyd_jobs_cancelled_total",
			Help: "Jobs cancelled by callers.",
		}),
		registry: reg,
	}
}

// Handler serves the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
