// Package metrics exposes Prometheus instrumentation for the detection pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the pipeline collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	FlowsTotal            *prometheus.CounterVec
	DetectionsTotal       *prometheus.CounterVec
	HeuristicHitsTotal    *prometheus.CounterVec
	HostEvictionsTotal    *prometheus.CounterVec
	ClassifierErrorsTotal prometheus.Counter
	ScoringSeconds        prometheus.Histogram
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FlowsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowguard_flows_total",
				Help: "Flows processed, by result (scored or rejected)",
			},
			[]string{"result"},
		),
		DetectionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowguard_detections_total",
				Help: "Scored flows by risk level",
			},
			[]string{"risk"},
		),
		HeuristicHitsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowguard_heuristic_hits_total",
				Help: "Heuristic detectors that fired, by verdict",
			},
			[]string{"verdict"},
		),
		HostEvictionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowguard_host_evictions_total",
				Help: "Host window states evicted at capacity, by keyspace",
			},
			[]string{"keyspace"},
		),
		ClassifierErrorsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "flowguard_classifier_errors_total",
				Help: "Classifier invocations that failed",
			},
		),
		ScoringSeconds: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "flowguard_scoring_seconds",
				Help:    "Time to score one flow",
				Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10), // 10us to ~2.6s
			},
		),
	}
}

// FlowScored records a successfully scored flow.
func (m *Metrics) FlowScored(risk string, seconds float64) {
	if m == nil {
		return
	}
	m.FlowsTotal.WithLabelValues("scored").Inc()
	m.DetectionsTotal.WithLabelValues(risk).Inc()
	m.ScoringSeconds.Observe(seconds)
}

// FlowRejected records a malformed flow.
func (m *Metrics) FlowRejected() {
	if m == nil {
		return
	}
	m.FlowsTotal.WithLabelValues("rejected").Inc()
}

// HeuristicHit records a detector that fired.
func (m *Metrics) HeuristicHit(verdict string) {
	if m == nil {
		return
	}
	m.HeuristicHitsTotal.WithLabelValues(verdict).Inc()
}

// HostEvicted records a capacity eviction.
func (m *Metrics) HostEvicted(keyspace string) {
	if m == nil {
		return
	}
	m.HostEvictionsTotal.WithLabelValues(keyspace).Inc()
}

// ClassifierError records a failed classifier call.
func (m *Metrics) ClassifierError() {
	if m == nil {
		return
	}
	m.ClassifierErrorsTotal.Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
