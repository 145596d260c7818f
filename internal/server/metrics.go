package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"workescrow/internal/escrow"
)

// Metrics is the prometheus registry of the API. It doubles as the escrow
// client's observer, so it must exist before the client is built.
type Metrics struct {
	registry         *prometheus.Registry
	requestsTotal    *prometheus.CounterVec
	submissionsTotal *prometheus.CounterVec
	readRetriesTotal *prometheus.CounterVec
	snapshotsTotal   *prometheus.CounterVec
	writeDuration    *prometheus.HistogramVec
	dlqDepth         prometheus.Gauge
}

var _ escrow.Observer = (*Metrics)(nil)

func NewMetrics() *Metrics {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "workescrow_write_requests_total",
		Help: "Write API requests by operation and result",
	}, []string{"op", "result"})

	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "workescrow_submissions_total",
		Help: "Contract submissions by method and outcome",
	}, []string{"method", "outcome"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "workescrow_read_retries_total",
		Help: "Retried contract field reads",
	}, []string{"method"})

	snapshots := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "workescrow_snapshots_total",
		Help: "Escrow snapshots by outcome",
	}, []string{"outcome"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "workescrow_write_duration_seconds",
		Help:    "Time from request to wallet or chain answer",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"op"})

	dlq := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "workescrow_dlq_depth",
		Help: "Number of failed writes waiting for review",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(requests, submissions, retries, snapshots, duration, dlq)

	return &Metrics{
		registry:         r,
		requestsTotal:    requests,
		submissionsTotal: submissions,
		readRetriesTotal: retries,
		snapshotsTotal:   snapshots,
		writeDuration:    duration,
		dlqDepth:         dlq,
	}
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveSubmission(method, outcome string) {
	m.submissionsTotal.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) ObserveReadRetry(method string) {
	m.readRetriesTotal.WithLabelValues(method).Inc()
}

func (m *Metrics) ObserveSnapshot(outcome string) {
	m.snapshotsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) incRequest(op, result string) {
	m.requestsTotal.WithLabelValues(op, result).Inc()
}

func (m *Metrics) observeWrite(op string, seconds float64) {
	m.writeDuration.WithLabelValues(op).Observe(seconds)
}

func (m *Metrics) setDLQDepth(depth int) {
	m.dlqDepth.Set(float64(depth))
}
