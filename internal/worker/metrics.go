package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry        *prometheus.Registry
	claimsTotal     *prometheus.CounterVec
	jobsTotal       *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	activeJobs      prometheus.Gauge
	pagesTotal      *prometheus.CounterVec
	resumedJobs     prometheus.Counter
	leaseRenewals   *prometheus.CounterVec
	storeRetryTotal *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		claimsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pagemill_worker_claims_total",
			Help: "Claim attempts by result (claimed, empty, error).",
		}, []string{"result"}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pagemill_worker_jobs_total",
			Help: "Claimed jobs by source kind and outcome.",
		}, []string{"source_kind", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pagemill_worker_job_duration_seconds",
			Help:    "Time from claim to outcome for each job.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"source_kind", "outcome"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pagemill_worker_active_jobs",
			Help: "Jobs currently held by this process.",
		}),
		pagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pagemill_worker_pages_total",
			Help: "Pages rendered and committed by source kind.",
		}, []string{"source_kind"}),
		resumedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pagemill_worker_resumed_jobs_total",
			Help: "Jobs resumed from a checkpoint instead of page 1.",
		}),
		leaseRenewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pagemill_worker_lease_renewals_total",
			Help: "Lease renewal attempts by result (ok, lost, error).",
		}, []string{"result"}),
		storeRetryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pagemill_worker_store_retries_total",
			Help: "Retried job store updates by operation.",
		}, []string{"op"}),
	}

	registry.MustRegister(
		m.claimsTotal,
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.pagesTotal,
		m.resumedJobs,
		m.leaseRenewals,
		m.storeRetryTotal,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
