// Package monitor tracks pipeline health: per-job summaries, Prometheus
// collectors, and operator alerts.
package monitor

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pipelineJobsTotal            *prometheus.CounterVec
	pipelineChunksTotal          *prometheus.CounterVec
	pipelineChunkDurationSeconds prometheus.Histogram
	pipelineJobDurationSeconds   prometheus.Histogram
	pipelineMentionsMergedTotal  prometheus.Counter
	pipelineItemsTotal           *prometheus.CounterVec
	pipelineActiveJobs           prometheus.Gauge
	pipelineAlertsTotal          *prometheus.CounterVec
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec

	once sync.Once
)

// InitMetrics initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func InitMetrics() {
	once.Do(func() {
		pipelineJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_jobs_total",
				Help: "Total number of collection jobs finished, labeled by status.",
			},
			[]string{"status"},
		)

		pipelineChunksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_chunks_total",
				Help: "Total number of extraction chunks dispatched, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		pipelineChunkDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pipeline_chunk_duration_seconds",
				Help:    "Histogram of extraction latencies per chunk.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
		)

		pipelineJobDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pipeline_job_duration_seconds",
				Help:    "Histogram of end-to-end job durations.",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
			},
		)

		pipelineMentionsMergedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_mentions_merged_total",
				Help: "Total number of new mentions committed by the merge engine.",
			},
		)

		pipelineItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_items_total",
				Help: "Total number of work items handled, labeled by result.",
			},
			[]string{"result"},
		)

		pipelineActiveJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeline_active_jobs",
				Help: "Number of jobs currently running.",
			},
		)

		pipelineAlertsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_alerts_total",
				Help: "Total number of alerts raised, labeled by kind.",
			},
			[]string{"kind"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// MetricsHandler returns an http.Handler for exposing Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest records one admin API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

func observeJob(status string, duration time.Duration) {
	if pipelineJobsTotal == nil {
		return
	}
	pipelineJobsTotal.WithLabelValues(status).Inc()
	pipelineJobDurationSeconds.Observe(duration.Seconds())
}

func observeChunk(outcome string, duration time.Duration) {
	if pipelineChunksTotal == nil {
		return
	}
	pipelineChunksTotal.WithLabelValues(outcome).Inc()
	pipelineChunkDurationSeconds.Observe(duration.Seconds())
}

func observeMerge(newMentions int) {
	if pipelineMentionsMergedTotal == nil {
		return
	}
	pipelineMentionsMergedTotal.Add(float64(newMentions))
}

func observeItem(result string) {
	if pipelineItemsTotal == nil {
		return
	}
	pipelineItemsTotal.WithLabelValues(result).Inc()
}

func observeActiveJobs(delta int) {
	if pipelineActiveJobs == nil {
		return
	}
	pipelineActiveJobs.Add(float64(delta))
}

func observeAlert(kind string) {
	if pipelineAlertsTotal == nil {
		return
	}
	pipelineAlertsTotal.WithLabelValues(kind).Inc()
}
