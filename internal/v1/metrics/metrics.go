package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the collaborative task board core.
//
// Naming convention: namespace_subsystem_name
// - namespace: task_board (application-level grouping)
// - subsystem: websocket, room, task, conflict, activity
//
// Metric Types:
// - Gauge: Current state (sessions, room members)
// - Counter: Cumulative events (commands, broadcasts, conflicts)
// - Histogram: Latency distributions (command processing time)

var (
	// ActiveSessions tracks the current number of live client connections.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "task_board",
		Subsystem: "websocket",
		Name:      "sessions_active",
		Help:      "Current number of active WebSocket sessions",
	})

	// RoomMembers tracks membership per room kind.
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "task_board",
		Subsystem: "room",
		Name:      "members_count",
		Help:      "Number of sessions subscribed per room kind",
	}, []string{"room_kind"})

	// BroadcastsTotal counts frames fanned out per room kind.
	BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "task_board",
		Subsystem: "room",
		Name:      "broadcasts_total",
		Help:      "Total frames broadcast per room kind",
	}, []string{"room_kind"})

	// SlowConsumersDropped counts sessions dropped because their outbound
	// queue was full on broadcast enqueue.
	SlowConsumersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "task_board",
		Subsystem: "websocket",
		Name:      "slow_consumers_dropped_total",
		Help:      "Sessions dropped for not draining their outbound queue",
	})

	// CommandsTotal counts board commands by kind and outcome.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "task_board",
		Subsystem: "task",
		Name:      "commands_total",
		Help:      "Total board commands processed",
	}, []string{"command", "status"})

	// CommandDuration tracks time spent executing board commands.
	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "task_board",
		Subsystem: "task",
		Name:      "command_duration_seconds",
		Help:      "Time spent processing board commands",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"command"})

	// ConflictsDetected counts optimistic-concurrency conflicts.
	ConflictsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "task_board",
		Subsystem: "conflict",
		Name:      "detected_total",
		Help:      "Total version conflicts detected",
	})

	// ConflictsResolved counts resolutions by strategy.
	ConflictsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "task_board",
		Subsystem: "conflict",
		Name:      "resolved_total",
		Help:      "Total conflicts resolved per strategy",
	}, []string{"strategy"})

	// ActivityRecords counts activity records produced.
	ActivityRecords = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "task_board",
		Subsystem: "activity",
		Name:      "records_total",
		Help:      "Total activity records produced",
	})

	// ActivitySinkFailures counts swallowed sink write failures.
	ActivitySinkFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "task_board",
		Subsystem: "activity",
		Name:      "sink_failures_total",
		Help:      "Activity sink writes that failed and were dropped",
	})

	// RateLimitRequests counts requests passing through rate limiters.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "task_board",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Requests checked against rate limits",
	}, []string{"path"})

	// RateLimitExceeded counts rejected requests per limit type.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "task_board",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Requests rejected by rate limits",
	}, []string{"path", "limit_type"})

	// CircuitBreakerState reports breaker state per dependency (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "task_board",
		Subsystem: "bus",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per dependency",
	}, []string{"dependency"})

	// CircuitBreakerFailures counts publishes dropped by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "task_board",
		Subsystem: "bus",
		Name:      "circuit_breaker_failures_total",
		Help:      "Operations rejected by an open circuit breaker",
	}, []string{"dependency"})
)

func IncConnection() {
	ActiveSessions.Inc()
}

func DecConnection() {
	ActiveSessions.Dec()
}
