// Package metrics holds the Prometheus collectors for the job lifecycle.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dispatch paths
const (
	PathQueue    = "queue"
	PathFallback = "fallback"
	PathSweeper  = "sweeper"
)

// Metrics owns its registry so every service and test gets an isolated set.
type Metrics struct {
	registry *prometheus.Registry

	jobsCreated    *prometheus.CounterVec
	jobsDispatched *prometheus.CounterVec
	jobsFinished   *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	claimConflicts prometheus.Counter
	httpRequests   *prometheus.CounterVec
	httpLatency    *prometheus.HistogramVec
}

// New creates the collectors and registers them, plus Go runtime collectors.
func New(service string) *Metrics {
	constLabels := prometheus.Labels{"service": service}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "watermark_jobs_created_total",
			Help:        "Jobs accepted by the API",
			ConstLabels: constLabels,
		}, []string{"type"}),
		jobsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "watermark_jobs_dispatched_total",
			Help:        "Dispatch attempts by path",
			ConstLabels: constLabels,
		}, []string{"path"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "watermark_jobs_finished_total",
			Help:        "Jobs that reached a terminal status",
			ConstLabels: constLabels,
		}, []string{"type", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "watermark_job_duration_seconds",
			Help:        "Time from claim to terminal write",
			ConstLabels: constLabels,
			Buckets:     []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"type"}),
		claimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "watermark_job_claim_conflicts_total",
			Help:        "Executions skipped because the job was no longer PENDING",
			ConstLabels: constLabels,
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "http_requests_total",
			Help:        "HTTP requests by route and status",
			ConstLabels: constLabels,
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "http_request_duration_seconds",
			Help:        "HTTP request latency",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		m.jobsCreated,
		m.jobsDispatched,
		m.jobsFinished,
		m.jobDuration,
		m.claimConflicts,
		m.httpRequests,
		m.httpLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// The recorders below accept a nil receiver so callers can run without metrics.

func (m *Metrics) JobCreated(jobType string) {
	if m == nil {
		return
	}
	m.jobsCreated.WithLabelValues(jobType).Inc()
}

func (m *Metrics) JobDispatched(path string) {
	if m == nil {
		return
	}
	m.jobsDispatched.WithLabelValues(path).Inc()
}

func (m *Metrics) JobFinished(jobType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(jobType, status).Inc()
	m.jobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

func (m *Metrics) ClaimConflict() {
	if m == nil {
		return
	}
	m.claimConflicts.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware records request counts and latency keyed by the matched route.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpLatency.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
