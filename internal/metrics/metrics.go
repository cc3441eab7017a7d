package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_runs_total",
			Help: "Total pipeline runs by terminal state",
		},
		[]string{"status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "pipeline_stage_duration_seconds",
			Help: "Duration of each pipeline stage",
		},
		[]string{"stage"},
	)

	SearchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "search_requests_total",
			Help: "Search gateway requests by category set and status",
		},
		[]string{"categories", "status"},
	)

	PageFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "page_fetches_total",
			Help: "Page fetches by status",
		},
		[]string{"status"},
	)

	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "Latency of completion requests by model role",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"role", "status"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thread_events_published_total",
			Help: "Events published to thread subscribers by type",
		},
		[]string{"type"},
	)
)
