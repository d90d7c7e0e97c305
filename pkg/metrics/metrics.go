package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Engine metrics
	NodesRegistered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flower_nodes_registered_total",
			Help: "Number of registered virtual client nodes",
		},
	)

	TasksDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flower_tasks_dispatched_total",
			Help: "Total number of task instructions dispatched to actors",
		},
	)

	TasksCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flower_tasks_completed_total",
			Help: "Total number of task executions that produced a result",
		},
	)

	TasksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flower_tasks_failed_total",
			Help: "Total number of failed task executions by reason",
		},
		[]string{"reason"},
	)

	TaskExecutionLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flower_task_execution_latency_seconds",
			Help:    "Time from actor submission to result in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flower_engine_queue_depth",
			Help: "Number of instructions buffered in the engine channel",
		},
	)

	ActorsBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flower_actors_busy",
			Help: "Number of actors currently executing a task",
		},
	)

	// Store metrics
	StoreRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flower_store_retries_total",
			Help: "Total number of retried state store writes",
		},
	)

	// Round metrics
	RoundsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flower_rounds_completed_total",
			Help: "Total number of completed federated rounds",
		},
	)

	RoundDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flower_round_duration_seconds",
			Help:    "Wall-clock duration of one federated round in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	AggregationsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flower_aggregations_failed_total",
			Help: "Total number of rounds whose aggregation produced no update",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(NodesRegistered)
	prometheus.MustRegister(TasksDispatched)
	prometheus.MustRegister(TasksCompleted)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(TaskExecutionLatency)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(ActorsBusy)
	prometheus.MustRegister(StoreRetries)
	prometheus.MustRegister(RoundsCompleted)
	prometheus.MustRegister(RoundDuration)
	prometheus.MustRegister(AggregationsFailed)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
