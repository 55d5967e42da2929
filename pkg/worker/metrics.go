package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus series exported by a Pool, named after and
// grounded on the counters the teacher exposes from its worker's metrics
// block (cmd/worker/main.go), generalized from task-type labels to
// function-name labels.
var (
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saqgo_jobs_processed_total",
		Help: "Total number of jobs processed, by terminal status and function name.",
	}, []string{"status", "function"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "saqgo_job_duration_seconds",
		Help:    "Job handler execution duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"function"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "saqgo_queue_depth",
		Help: "Number of jobs in each named collection of a queue.",
	}, []string{"queue", "collection"})

	queueLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "saqgo_queue_latency_seconds",
		Help:    "Time a job spent queued before a worker picked it up.",
		Buckets: prometheus.DefBuckets,
	}, []string{"function"})
)
