package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Operation metrics
	OperationsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ktrdr_operations_total",
			Help: "Current number of operations by type and status",
		},
		[]string{"operation_type", "status"},
	)

	OperationsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ktrdr_operations_created_total",
			Help: "Total number of operations created",
		},
		[]string{"operation_type"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ktrdr_operation_duration_seconds",
			Help:    "Wall-clock duration of an operation from start to terminal state",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 14400, 43200},
		},
		[]string{"operation_type", "status"},
	)

	StateConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ktrdr_state_conflicts_total",
			Help: "Total number of compare-and-set transitions refused due to stale predecessor state",
		},
		[]string{"transition"},
	)

	// Worker registry metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ktrdr_workers_total",
			Help: "Current number of registered workers by type and state",
		},
		[]string{"worker_type", "state"},
	)

	WorkerSelectionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ktrdr_worker_selection_duration_seconds",
			Help:    "Time taken to select a worker for dispatch",
			Buckets: prometheus.DefBuckets,
		},
	)

	NoWorkerAvailableTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ktrdr_no_worker_available_total",
			Help: "Total number of selections that found no available worker",
		},
		[]string{"required_capability"},
	)

	// Reconciler metrics
	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ktrdr_reconciliation_cycles_total",
			Help: "Total number of reconciliation sweeps completed",
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ktrdr_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ktrdr_reconciliation_actions_total",
			Help: "Total number of reconciliation actions taken, by action kind",
		},
		[]string{"action"},
	)

	OrphanedOperationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ktrdr_orphaned_operations_total",
			Help: "Total number of operations failed with kind=ORPHANED by the reconciler",
		},
	)

	// Checkpoint store metrics
	CheckpointWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ktrdr_checkpoint_write_duration_seconds",
			Help:    "Time taken to persist a checkpoint (state + artifacts)",
			Buckets: prometheus.DefBuckets,
		},
	)

	CheckpointsWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ktrdr_checkpoints_written_total",
			Help: "Total number of checkpoints written, by checkpoint type",
		},
		[]string{"checkpoint_type"},
	)

	CheckpointWriteFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ktrdr_checkpoint_write_failures_total",
			Help: "Total number of failed checkpoint writes, by failure origin",
		},
		[]string{"origin"},
	)

	CheckpointBytesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ktrdr_checkpoint_bytes",
			Help: "Size in bytes of the most recent checkpoint, by component",
		},
		[]string{"operation_id", "component"},
	)

	// Coordinator API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ktrdr_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ktrdr_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ktrdr_dispatch_duration_seconds",
			Help:    "Time taken to dispatch an operation to a worker over HTTP",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	// Worker runtime metrics
	HeartbeatsSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ktrdr_worker_heartbeats_sent_total",
			Help: "Total number of heartbeats sent by this worker process",
		},
	)

	HeartbeatFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ktrdr_worker_heartbeat_failures_total",
			Help: "Total number of failed heartbeats observed by this worker process",
		},
	)
)

func init() {
	prometheus.MustRegister(
		OperationsTotal,
		OperationsCreatedTotal,
		OperationDuration,
		StateConflictsTotal,
		WorkersTotal,
		WorkerSelectionDuration,
		NoWorkerAvailableTotal,
		ReconciliationCyclesTotal,
		ReconciliationDuration,
		ReconciliationActionsTotal,
		OrphanedOperationsTotal,
		CheckpointWriteDuration,
		CheckpointsWrittenTotal,
		CheckpointWriteFailuresTotal,
		CheckpointBytesTotal,
		APIRequestsTotal,
		APIRequestDuration,
		DispatchDuration,
		HeartbeatsSentTotal,
		HeartbeatFailuresTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed wall-clock time for histogram observations.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
