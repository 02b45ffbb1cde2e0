package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// TransmitBuckets for one pipelined round trip to a shard
	TransmitBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

	// RateWaitBuckets for time spent waiting on the shared limiter
	RateWaitBuckets = []float64{0, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}

	// BatchSizeBuckets for operations per transmitted batch
	BatchSizeBuckets = []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000}

	// ScriptBuckets for one scripting hook invocation
	ScriptBuckets = []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1}
)

// Pipeline Metrics
var (
	// OperationsTotal counts operations by stage (decode, filter, script, write) and result
	OperationsTotal CounterVec = noopCounterVec{}

	// DecodedBytes tracks source bytes consumed so far
	DecodedBytes Gauge = NoopStat{}

	// QueueDepth tracks pending operations by queue (dispatch, shard)
	QueueDepth GaugeVec = noopGaugeVec{}

	// ScriptDurationSeconds measures hook invocation latency
	ScriptDurationSeconds Histogram = NoopStat{}

	// KeyCollisionsTotal counts destination key collisions by kind (confirmed, possible)
	KeyCollisionsTotal CounterVec = noopCounterVec{}

	// OrphanedExpiriesTotal counts expiries discarded by the decoder
	OrphanedExpiriesTotal Counter = NoopStat{}
)

// Writer Metrics
var (
	// BatchSize measures operations per transmitted batch
	BatchSize Histogram = NoopStat{}

	// TransmitDurationSeconds measures pipelined round trips by shard
	TransmitDurationSeconds HistogramVec = noopHistogramVec{}

	// TransmitRetriesTotal counts retried operations by shard
	TransmitRetriesTotal CounterVec = noopCounterVec{}

	// TransmitFailuresTotal counts terminal failures by shard and error class
	TransmitFailuresTotal CounterVec = noopCounterVec{}

	// RateLimitWaitSeconds measures time spent waiting for a limiter token
	RateLimitWaitSeconds Histogram = NoopStat{}

	// Shards tracks the number of destination shards
	Shards Gauge = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Pipeline Metrics
	OperationsTotal = NewCounterVec(
		"operations_total",
		"Operations by pipeline stage and result",
		[]string{"stage", "result"},
	)
	DecodedBytes = NewGauge(
		"decoded_bytes",
		"Source bytes consumed",
	)
	QueueDepth = NewGaugeVec(
		"queue_depth",
		"Pending operations by queue",
		[]string{"queue"},
	)
	ScriptDurationSeconds = NewHistogramWithBuckets(
		"script_duration_seconds",
		"Scripting hook invocation duration in seconds",
		ScriptBuckets,
	)
	KeyCollisionsTotal = NewCounterVec(
		"key_collisions_total",
		"Destination keys written from more than one source database",
		[]string{"kind"},
	)
	OrphanedExpiriesTotal = NewCounter(
		"orphaned_expiries_total",
		"Expiry directives with no following key record",
	)

	// Writer Metrics
	BatchSize = NewHistogramWithBuckets(
		"batch_size",
		"Operations per transmitted batch",
		BatchSizeBuckets,
	)
	TransmitDurationSeconds = NewHistogramVec(
		"transmit_duration_seconds",
		"Pipelined round trip duration in seconds",
		[]string{"shard"},
		TransmitBuckets,
	)
	TransmitRetriesTotal = NewCounterVec(
		"transmit_retries_total",
		"Operations re-sent after a retryable failure",
		[]string{"shard"},
	)
	TransmitFailuresTotal = NewCounterVec(
		"transmit_failures_total",
		"Operations that failed terminally",
		[]string{"shard", "class"},
	)
	RateLimitWaitSeconds = NewHistogramWithBuckets(
		"rate_limit_wait_seconds",
		"Time spent waiting for a rate limiter token",
		RateWaitBuckets,
	)
	Shards = NewGauge(
		"shards",
		"Destination shards in the current topology",
	)
}
