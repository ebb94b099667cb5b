package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_executions_total",
			Help: "Total number of submissions by language and outcome kind",
		},
		[]string{"language", "outcome"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runbox_execution_duration_ms",
			Help:    "Execution duration in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"language", "phase"}, // phase: "compile", "run", "total"
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runbox_queue_depth",
			Help: "Current number of submissions waiting for a worker",
		},
	)

	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runbox_active_workers",
			Help: "Number of workers currently executing a submission",
		},
	)

	RejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_rejected_total",
			Help: "Submissions shed by admission control",
		},
		[]string{"reason"}, // reason: "queue_full", "queue_timeout", "cancelled"
	)

	PeakMemory = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runbox_peak_memory_kb",
			Help:    "Peak resident memory per run step in KB",
			Buckets: []float64{1024, 4096, 16384, 65536, 131072, 262144, 524288},
		},
		[]string{"language"},
	)

	WorkspaceCleanupFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runbox_workspace_cleanup_failures_total",
			Help: "Workspaces that could not be removed",
		},
	)

	ContainerCreationTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runbox_container_creation_ms",
			Help:    "Time to create and start a container (docker driver)",
			Buckets: []float64{50, 100, 200, 500, 1000, 2000},
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runbox_rate_limit_hits_total",
			Help: "Total number of requests rejected by rate limiter",
		},
	)

	JournalFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runbox_journal_failures_total",
			Help: "Execution journal writes that failed",
		},
	)
)
