// Package metrics provides Prometheus metrics for draftdesk
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for draftdesk
type Metrics struct {
	GenerationsTotal   *prometheus.CounterVec
	GenerationDuration *prometheus.HistogramVec
	VersionsSaved      prometheus.Counter
	RollbacksTotal     prometheus.Counter
	LeaseRejections    prometheus.Counter

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers the collectors on reg. A nil reg gets a private registry,
// which keeps repeated construction in tests from colliding.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		gatherer: reg,

		GenerationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "draftdesk_generations_total",
				Help: "Generation turns by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		GenerationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "draftdesk_generation_duration_seconds",
				Help:    "Duration of calls to the writer",
				Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 40, 80, 160},
			},
			[]string{"kind"},
		),
		VersionsSaved: factory.NewCounter(prometheus.CounterOpts{
			Name: "draftdesk_versions_saved_total",
			Help: "Versions written to the store",
		}),
		RollbacksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "draftdesk_rollbacks_total",
			Help: "Completed rollbacks",
		}),
		LeaseRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "draftdesk_lease_rejections_total",
			Help: "Requests rejected because a generation was already in flight",
		}),
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "draftdesk_http_requests_total",
				Help: "HTTP requests by route and status",
			},
			[]string{"route", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "draftdesk_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}
}

func (m *Metrics) RecordGeneration(kind string, ok bool, duration time.Duration) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.GenerationsTotal.WithLabelValues(kind, outcome).Inc()
	m.GenerationDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (m *Metrics) RecordHTTPRequest(route string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
