package telemetry

// Histogram bucket definitions for repair latency profiles
var (
	// SyncBuckets for per-range synchronization rounds
	SyncBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60}

	// ExchangeBuckets for single request/response exchanges with a peer
	ExchangeBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
)

// Repair Session Metrics
var (
	// ActiveSessions tracks currently registered repair sessions
	ActiveSessions Gauge = NoopStat{}

	// SessionInsertsTotal counts session inserts by result (ok, duplicate)
	SessionInsertsTotal CounterVec = noopCounterVec{}

	// SessionRemovalsTotal counts session removals by result (ok, not_found, mismatch)
	SessionRemovalsTotal CounterVec = noopCounterVec{}
)

// Range Synchronization Metrics
var (
	// RangeSyncTotal counts per-peer range exchanges by result (success, failed, aborted)
	RangeSyncTotal CounterVec = noopCounterVec{}

	// RangeSyncDurationSeconds measures per-range synchronization duration
	RangeSyncDurationSeconds Histogram = NoopStat{}

	// RowsSentTotal counts rows streamed to peers
	RowsSentTotal Counter = NoopStat{}

	// RowsReceivedTotal counts rows received from peers
	RowsReceivedTotal Counter = NoopStat{}

	// BucketsComparedTotal counts fingerprint buckets compared
	BucketsComparedTotal Counter = NoopStat{}

	// BucketsDivergedTotal counts fingerprint buckets that required row exchange
	BucketsDivergedTotal Counter = NoopStat{}

	// RepairMemoryInUseBytes tracks bytes of row buffers currently admitted
	RepairMemoryInUseBytes Gauge = NoopStat{}

	// RepairMemoryWaiters tracks callers blocked on memory admission
	RepairMemoryWaiters Gauge = NoopStat{}
)

// Repair Job Metrics
var (
	// RepairJobsTotal counts operator repair jobs by terminal status
	RepairJobsTotal CounterVec = noopCounterVec{}

	// RepairRangesTotal tracks total ranges for the current repair jobs
	RepairRangesTotal Gauge = NoopStat{}

	// RepairRangesFinished tracks finished ranges for the current repair jobs
	RepairRangesFinished Gauge = NoopStat{}
)

// Node Operation Metrics, one total/finished pair per operation kind
var (
	BootstrapTotalRanges       Gauge = NoopStat{}
	BootstrapFinishedRanges    Gauge = NoopStat{}
	ReplaceTotalRanges         Gauge = NoopStat{}
	ReplaceFinishedRanges      Gauge = NoopStat{}
	RebuildTotalRanges         Gauge = NoopStat{}
	RebuildFinishedRanges      Gauge = NoopStat{}
	DecommissionTotalRanges    Gauge = NoopStat{}
	DecommissionFinishedRanges Gauge = NoopStat{}
	RemovenodeTotalRanges      Gauge = NoopStat{}
	RemovenodeFinishedRanges   Gauge = NoopStat{}

	// NodeOpsTotal counts node operations by kind and result
	NodeOpsTotal CounterVec = noopCounterVec{}
)

// Control Plane Metrics
var (
	// FlushRequestsTotal counts hint/batchlog flush requests by result
	FlushRequestsTotal CounterVec = noopCounterVec{}

	// SystemTableUpdatesTotal counts inbound system-table update messages
	SystemTableUpdatesTotal Counter = NoopStat{}
)

// InitMetrics replaces the noop metrics with registered Prometheus
// instruments. Must be called after InitializeTelemetry.
func InitMetrics() {
	ActiveSessions = NewGauge(
		"repair_active_sessions",
		"Number of currently registered repair sessions",
	)
	SessionInsertsTotal = NewCounterVec(
		"repair_session_inserts_total",
		"Session inserts by result",
		[]string{"result"},
	)
	SessionRemovalsTotal = NewCounterVec(
		"repair_session_removals_total",
		"Session removals by result",
		[]string{"result"},
	)

	RangeSyncTotal = NewCounterVec(
		"repair_range_sync_total",
		"Per-peer range exchanges by result",
		[]string{"result"},
	)
	RangeSyncDurationSeconds = NewHistogramWithBuckets(
		"repair_range_sync_duration_seconds",
		"Per-range synchronization duration in seconds",
		SyncBuckets,
	)
	RowsSentTotal = NewCounter(
		"repair_rows_sent_total",
		"Rows streamed to peers during repair",
	)
	RowsReceivedTotal = NewCounter(
		"repair_rows_received_total",
		"Rows received from peers during repair",
	)
	BucketsComparedTotal = NewCounter(
		"repair_buckets_compared_total",
		"Fingerprint buckets compared",
	)
	BucketsDivergedTotal = NewCounter(
		"repair_buckets_diverged_total",
		"Fingerprint buckets that required row exchange",
	)
	RepairMemoryInUseBytes = NewGauge(
		"repair_memory_in_use_bytes",
		"Bytes of row buffers currently admitted",
	)
	RepairMemoryWaiters = NewGauge(
		"repair_memory_waiters",
		"Callers blocked waiting for memory admission",
	)

	RepairJobsTotal = NewCounterVec(
		"repair_jobs_total",
		"Operator repair jobs by terminal status",
		[]string{"status"},
	)
	RepairRangesTotal = NewGauge(
		"repair_total_ranges_sum",
		"Total ranges across repair jobs",
	)
	RepairRangesFinished = NewGauge(
		"repair_finished_ranges_sum",
		"Finished ranges across repair jobs",
	)

	BootstrapTotalRanges = NewGauge("bootstrap_total_ranges", "Total ranges for bootstrap")
	BootstrapFinishedRanges = NewGauge("bootstrap_finished_ranges", "Finished ranges for bootstrap")
	ReplaceTotalRanges = NewGauge("replace_total_ranges", "Total ranges for replace")
	ReplaceFinishedRanges = NewGauge("replace_finished_ranges", "Finished ranges for replace")
	RebuildTotalRanges = NewGauge("rebuild_total_ranges", "Total ranges for rebuild")
	RebuildFinishedRanges = NewGauge("rebuild_finished_ranges", "Finished ranges for rebuild")
	DecommissionTotalRanges = NewGauge("decommission_total_ranges", "Total ranges for decommission")
	DecommissionFinishedRanges = NewGauge("decommission_finished_ranges", "Finished ranges for decommission")
	RemovenodeTotalRanges = NewGauge("removenode_total_ranges", "Total ranges for removenode")
	RemovenodeFinishedRanges = NewGauge("removenode_finished_ranges", "Finished ranges for removenode")
	NodeOpsTotal = NewCounterVec(
		"node_ops_total",
		"Node operations by kind and result",
		[]string{"kind", "result"},
	)

	FlushRequestsTotal = NewCounterVec(
		"repair_flush_requests_total",
		"Hint/batchlog flush requests by result",
		[]string{"result"},
	)
	SystemTableUpdatesTotal = NewCounter(
		"repair_system_table_updates_total",
		"Inbound system-table update messages",
	)
}
