// Package metrics instruments the web service for Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome classifies how a submission attempt ended.
type Outcome string

// Submission outcomes.
const (
	OutcomeAccepted    Outcome = "accepted"
	OutcomeInvalid     Outcome = "invalid"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeNotFound    Outcome = "not_found"
	OutcomeError       Outcome = "error"
)

// Outcomes lists every submission outcome.
var Outcomes = []Outcome{OutcomeAccepted, OutcomeInvalid, OutcomeRateLimited, OutcomeNotFound, OutcomeError}

// Collector registers and records the web service metrics.
type Collector struct {
	registry prometheus.Registerer
	buckets  []float64

	submissions *prometheus.CounterVec
}

// New creates a Collector registering its metrics with registry.
func New(registry prometheus.Registerer) *Collector {
	submissions := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "survey_submissions_total",
			Help: "Tracks survey submission attempts by outcome.",
		}, []string{"outcome"},
	)
	for _, o := range Outcomes {
		submissions.WithLabelValues(string(o))
	}

	return &Collector{
		registry: registry,
		// Request durations skew small unless something is wrong. Max of 10.24.
		buckets:     prometheus.ExponentialBuckets(0.005, 2, 12),
		submissions: submissions,
	}
}

// ObserveSubmission counts one submission attempt.
func (c *Collector) ObserveSubmission(o Outcome) {
	c.submissions.WithLabelValues(string(o)).Inc()
}

// Endpoint wraps the handler of one route to count requests and observe their latency.
// Each handlerName must be used once per registry.
func (c *Collector) Endpoint(handlerName string, handler http.Handler) http.HandlerFunc {
	reg := prometheus.WrapRegistererWith(prometheus.Labels{"handler": handlerName}, c.registry)
	labels := []string{"method", "code"}

	requestsTotal := promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_endpoint_requests_total",
			Help: "Tracks the number of HTTP requests to the endpoint.",
		}, labels,
	)
	requestDuration := promauto.With(reg).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_endpoint_request_duration_seconds",
			Help:    "Tracks the latencies for HTTP requests to the endpoint.",
			Buckets: c.buckets,
		}, labels,
	)

	return promhttp.InstrumentHandlerCounter(
		requestsTotal,
		promhttp.InstrumentHandlerDuration(requestDuration, handler),
	)
}

// Mux wraps the whole router to count every request, routed or not.
func (c *Collector) Mux(handler http.Handler) http.HandlerFunc {
	requestsTotal := promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_mux_requests_total",
			Help: "Tracks the number of HTTP requests to the mux.",
		}, []string{"method", "code"},
	)

	return promhttp.InstrumentHandlerCounter(requestsTotal, handler)
}
