// Package metrics declares the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Submissions by outcome: created, deduplicated, rejected, failed, busy.
	Submissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_submissions_total",
			Help: "Media submissions handled by the ingestion gateway.",
		},
		[]string{"outcome"},
	)

	// Dispatches by mode and outcome: accepted, duplicate, busy.
	Dispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_dispatch_total",
			Help: "Diagnosis dispatch attempts.",
		},
		[]string{"mode", "outcome"},
	)

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "media_queue_depth",
		Help: "Jobs waiting in the in-process diagnosis queue.",
	})

	// Diagnoses by outcome: completed, failed, timeout, stale, skipped.
	Diagnoses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_diagnosis_total",
			Help: "Diagnosis worker runs by outcome.",
		},
		[]string{"outcome"},
	)

	DiagnosisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "media_diagnosis_duration_seconds",
		Help:    "Time spent in the diagnosis engine.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	// Recovered records by action: redispatched, failed.
	Recovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_recovered_total",
			Help: "Records picked up by the recovery sweep.",
		},
		[]string{"action"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_cache_lookups_total",
			Help: "Terminal-record cache lookups by result (hit, miss).",
		},
		[]string{"result"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route and status.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)
