package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Daemon metrics for production monitoring
var (
	// Plan metrics
	PlansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmosd_plans_total",
			Help: "Total number of plans by terminal status",
		},
		[]string{"status"},
	)

	PlanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmosd_plan_duration_seconds",
			Help:    "Plan execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7min
		},
		[]string{"mode"},
	)

	PlansRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmosd_plans_running",
			Help: "Current number of plans executing",
		},
	)

	// Action metrics
	ActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmosd_actions_total",
			Help: "Total number of actions by module and terminal status",
		},
		[]string{"module", "status"},
	)

	ActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmosd_action_duration_seconds",
			Help:    "Action execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"module"},
	)

	ActionRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmosd_action_retries_total",
			Help: "Total number of action retry attempts",
		},
		[]string{"module"},
	)

	RollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmosd_rollbacks_total",
			Help: "Total number of compensating rollback dispatches",
		},
		[]string{"status"}, // status: success/failure
	)

	// Protocol metrics
	ParseRepairsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmosd_parse_repairs_total",
			Help: "Total number of plan documents by repair outcome",
		},
		[]string{"outcome"}, // outcome: clean/repaired/failed
	)

	MigrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmosd_protocol_migrations_total",
			Help: "Total number of protocol version migrations",
		},
		[]string{"from", "to"},
	)

	// Security metrics
	ScannerVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmosd_scanner_verdicts_total",
			Help: "Total number of scanner chain verdicts",
		},
		[]string{"verdict"},
	)

	VerifierVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmosd_verifier_verdicts_total",
			Help: "Total number of intent verifier verdicts",
		},
		[]string{"verdict"},
	)

	PermissionChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmosd_permission_checks_total",
			Help: "Total number of permission checks",
		},
		[]string{"result"}, // result: granted/denied/auto_granted
	)

	// Approval metrics
	ApprovalsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmosd_approvals_pending",
			Help: "Current number of actions blocked on approval",
		},
	)

	ApprovalDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmosd_approval_decisions_total",
			Help: "Total number of approval decisions by kind",
		},
		[]string{"decision"},
	)

	// Event bus metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmosd_events_published_total",
			Help: "Total number of events published to the bus",
		},
		[]string{"topic"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmosd_events_dropped_total",
			Help: "Total number of events dropped for slow subscribers",
		},
		[]string{"topic"},
	)

	// WebSocket metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmosd_websocket_connections",
			Help: "Current number of active WebSocket connections",
		},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmosd_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llmosd_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)
)
