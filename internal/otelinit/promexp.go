package otelinit

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PromGauges are the live-state gauges exposed on the pull-based /metrics
// surface, separate from the push-based OTLP pipeline above: these reflect
// current size, not cumulative counts, so a gauge collector fits them
// better than an OTel push metric would.
type PromGauges struct {
	JobListSize     prometheus.Gauge
	VirtualQueue    prometheus.Gauge
	AheadOutputSize prometheus.Gauge
	ExpectedArrival prometheus.Gauge
}

// NewPromGauges registers the gauge set against a fresh registry and returns
// both the gauges and the HTTP handler that serves them.
func NewPromGauges(service string) (*PromGauges, http.Handler) {
	reg := prometheus.NewRegistry()
	g := &PromGauges{
		JobListSize: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "mesh_job_list_size",
			Help:        "Number of jobs currently tracked in the controller's job list.",
			ConstLabels: prometheus.Labels{"service": service},
		}),
		VirtualQueue: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "mesh_virtual_queue_size",
			Help:        "Number of subtasks awaiting their input data.",
			ConstLabels: prometheus.Labels{"service": service},
		}),
		AheadOutputSize: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "mesh_ahead_output_queue_size",
			Help:        "Number of outputs staged ahead of their subtask arriving.",
			ConstLabels: prometheus.Labels{"service": service},
		}),
		ExpectedArrival: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "mesh_expected_arrival_rate",
			Help:        "Current EWMA-smoothed job arrival rate.",
			ConstLabels: prometheus.Labels{"service": service},
		}),
	}
	return g, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
