package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "flowcatalyst"

// Pool admission and delivery results
const (
	ResultSubmitted = "submitted"
	ResultAccepted  = "accepted"
	ResultDeferred  = "deferred"
	ResultRejected  = "rejected"
	ResultDelivered = "delivered"
	ResultFailed    = "failed"
)

var (
	// Pool metrics

	// PoolMessages tracks admission and delivery results per pool.
	// Deferred is backpressure and is never folded into failed.
	PoolMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "messages_total",
			Help:      "Messages per dispatch pool by result",
		},
		[]string{"pool_code", "result"},
	)

	// PoolDeliveryDuration tracks delivery latency
	PoolDeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "delivery_duration_seconds",
			Help:      "Time to deliver a message to its processing endpoint",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"pool_code"},
	)

	// PoolActiveWorkers tracks in-flight deliveries
	PoolActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "active_workers",
			Help:      "Number of in-flight deliveries in the pool",
		},
		[]string{"pool_code"},
	)

	// PoolQueueDepth tracks messages waiting behind their group
	PoolQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "queue_depth",
			Help:      "Number of messages queued behind an in-flight message of the same group",
		},
		[]string{"pool_code"},
	)

	// PoolRateLimitDeferrals tracks rate limit backpressure
	PoolRateLimitDeferrals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "rate_limit_deferrals_total",
			Help:      "Total messages deferred due to rate limiting",
		},
		[]string{"pool_code"},
	)

	// PoolMessageGroupCount tracks active message groups
	PoolMessageGroupCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "message_group_count",
			Help:      "Number of message groups with in-flight or queued work",
		},
		[]string{"pool_code"},
	)

	// Mediator metrics

	// MediatorRequests tracks HTTP calls to processing endpoints
	MediatorRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mediator",
			Name:      "requests_total",
			Help:      "Total delivery requests by outcome",
		},
		[]string{"outcome", "status_code"},
	)

	// MediatorDuration tracks HTTP call latency
	MediatorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mediator",
			Name:      "request_duration_seconds",
			Help:      "Delivery request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	// CircuitBreakerState tracks breaker state per endpoint (0=closed, 1=open, 2=half-open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mediator",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"endpoint"},
	)

	// CircuitBreakerTrips tracks transitions into open
	CircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mediator",
			Name:      "circuit_breaker_trips_total",
			Help:      "Number of times the circuit breaker opened",
		},
		[]string{"endpoint"},
	)

	// CircuitBreakerRejections tracks calls denied by an open breaker
	CircuitBreakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mediator",
			Name:      "circuit_breaker_rejections_total",
			Help:      "Deliveries short-circuited by an open breaker",
		},
		[]string{"endpoint"},
	)

	// Queue metrics

	// QueueOperations tracks consumer operations by kind (received, ack, nack, defer, extend, dead_letter)
	QueueOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "operations_total",
			Help:      "Queue consumer operations",
		},
		[]string{"queue", "operation"},
	)

	// QueueErrors tracks failed consumer operations
	QueueErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "errors_total",
			Help:      "Failed queue operations",
		},
		[]string{"queue", "operation"},
	)

	// QueuePending tracks the backend's pending count
	QueuePending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "pending_messages",
			Help:      "Messages waiting in the queue backend",
		},
		[]string{"queue"},
	)

	// QueueInFlight tracks the backend's in-flight count
	QueueInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "in_flight_messages",
			Help:      "Messages received but not yet acknowledged, as reported by the backend",
		},
		[]string{"queue"},
	)

	// QueueHealthy is 1 when the consumer reports healthy
	QueueHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "healthy",
			Help:      "Consumer health (1=healthy, 0=unhealthy)",
		},
		[]string{"queue"},
	)

	// MessagesPublished tracks published messages
	MessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "messages_published_total",
			Help:      "Total messages published",
		},
		[]string{"queue"},
	)

	// PublishErrors tracks publish errors
	PublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "publish_errors_total",
			Help:      "Total publish errors",
		},
		[]string{"queue"},
	)

	// Manager metrics

	// ManagerInFlight tracks messages between poll and ack/nack
	ManagerInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "in_flight_messages",
			Help:      "Messages tracked in flight by the queue manager",
		},
	)

	// ManagerDuplicates tracks deduplicated messages by kind (redelivery, duplicate)
	ManagerDuplicates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "duplicates_total",
			Help:      "Messages recognised as already in flight",
		},
		[]string{"kind"},
	)

	// ManagerMalformed tracks bodies that could not be decoded
	ManagerMalformed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "malformed_messages_total",
			Help:      "Messages whose body is not a valid dispatch pointer",
		},
	)

	// ManagerReaped tracks stale in-flight records dropped by the supervisor
	ManagerReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "stale_in_flight_reaped_total",
			Help:      "In-flight records dropped after their visibility deadline passed",
		},
	)

	// Leadership metrics

	// LeaderStatus is 1 while this instance holds the lease
	LeaderStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "leader",
			Name:      "is_leader",
			Help:      "1 while this instance holds the leadership lease",
		},
	)

	// LeaseOperations tracks lease operations by kind and result
	LeaseOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "leader",
			Name:      "lease_operations_total",
			Help:      "Lease acquire/renew/release operations",
		},
		[]string{"operation", "result"},
	)

	// Lifecycle metrics

	// LifecycleTaskRuns tracks supervisor task executions
	LifecycleTaskRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "task_runs_total",
			Help:      "Background task executions by result",
		},
		[]string{"task", "result"},
	)

	// HTTP API metrics

	// HTTPRequestsTotal tracks monitoring API requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks monitoring API request duration
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Circuit breaker state values
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)
