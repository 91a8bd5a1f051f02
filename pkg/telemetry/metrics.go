package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Rate limiting ───────────────────────────────────────────────────────────

	RateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genflow",
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Quota decisions, labelled by category and outcome (allowed, denied, degraded).",
	}, []string{"category", "outcome"})

	QuotaStoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genflow",
		Subsystem: "ratelimit",
		Name:      "store_errors_total",
		Help:      "Quota store calls that failed after retrying, labelled by operation.",
	}, []string{"op"})

	// ─── Orchestrator ────────────────────────────────────────────────────────────

	TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genflow",
		Subsystem: "orchestrator",
		Name:      "tasks_submitted_total",
		Help:      "Tasks accepted for asynchronous execution.",
	}, []string{"kind"})

	DispatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genflow",
		Subsystem: "orchestrator",
		Name:      "dispatch_failures_total",
		Help:      "Tasks left pending because the dispatcher rejected them.",
	}, []string{"dispatcher"})

	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genflow",
		Subsystem: "orchestrator",
		Name:      "tasks_finished_total",
		Help:      "Executor runs, labelled by kind and outcome (completed, failed, yielded, skipped, fenced).",
	}, []string{"kind", "outcome"})

	TasksInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "genflow",
		Subsystem: "orchestrator",
		Name:      "tasks_inflight",
		Help:      "Tasks currently being executed in this process.",
	}, []string{"kind"})

	TaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "genflow",
		Subsystem: "orchestrator",
		Name:      "task_duration_seconds",
		Help:      "Executor run time in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"kind"})

	// ─── Reaper ──────────────────────────────────────────────────────────────────

	ReaperSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genflow",
		Subsystem: "reaper",
		Name:      "sweeps_total",
		Help:      "Reaper sweeps, labelled by result (ok, error, skipped).",
	}, []string{"result"})

	ReaperTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genflow",
		Subsystem: "reaper",
		Name:      "tasks_total",
		Help:      "Stale tasks handled by the reaper, labelled by action (requeued, failed, conflict).",
	}, []string{"action"})
)
