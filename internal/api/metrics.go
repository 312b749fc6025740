package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/pagemill/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Requeue outcomes recorded against the job's status before the call.
const (
	requeueAccepted        = "accepted"
	requeueConflict        = "conflict"
	requeueThrottledCaller = "throttled_caller"
	requeueThrottledJob    = "throttled_job"
	requeueFailed          = "failed"
)

type metrics struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	requeues        *prometheus.CounterVec
	artifactLookups *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pagemill_api_requests_total",
			Help: "API requests by route and status class.",
		}, []string{"method", "route", "class"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pagemill_api_request_duration_seconds",
			Help:    "API latency by route. Job reads include an artifact count.",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5},
		}, []string{"route"}),
		requeues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pagemill_api_requeues_total",
			Help: "Requeue attempts by the job's prior status and outcome.",
		}, []string{"from", "outcome"}),
		artifactLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pagemill_api_artifact_lookups_total",
			Help: "Artifact counts served with job reads, by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.latency,
		m.requeues,
		m.artifactLookups,
	)
	// Accepted series exist before the first requeue.
	for _, from := range []domain.JobStatus{domain.JobStatusDone, domain.JobStatusError, domain.JobStatusProcessing} {
		m.requeues.WithLabelValues(string(from), requeueAccepted)
	}
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) requeue(from domain.JobStatus, outcome string) {
	m.requeues.WithLabelValues(string(from), outcome).Inc()
}

func (m *metrics) artifactLookup(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.artifactLookups.WithLabelValues(result).Inc()
}

func (m *metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := routeLabel(r.URL.Path)
		if route == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		m.requests.WithLabelValues(r.Method, route, statusClass(recorder.status)).Inc()
		m.latency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// routeLabel collapses job ids so label cardinality stays fixed.
func routeLabel(path string) string {
	rest, ok := strings.CutPrefix(path, "/v1/jobs")
	switch {
	case !ok:
		if path == "/healthz" || path == "/metrics" {
			return path
		}
		return "other"
	case rest == "" || rest == "/":
		return "/v1/jobs"
	case strings.HasSuffix(rest, "/requeue"):
		return "/v1/jobs/{id}/requeue"
	case strings.HasPrefix(rest, "/"):
		return "/v1/jobs/{id}"
	default:
		return "other"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
