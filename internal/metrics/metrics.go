package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reasoning engine metrics for production monitoring.
var (
	// Session metrics
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "causalreason_sessions_total",
			Help: "Total number of reasoning sessions started",
		},
		[]string{"status"}, // status: completed/failed/cancelled
	)

	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "causalreason_session_duration_seconds",
			Help:    "Reasoning session duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17min
		},
		[]string{"status"},
	)

	// Stage metrics
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "causalreason_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
		[]string{"stage"},
	)

	StageFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "causalreason_stage_failures_total",
			Help: "Total number of pipeline stage failures",
		},
		[]string{"stage"},
	)

	// Hypothesis metrics
	HypothesesGeneratedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "causalreason_hypotheses_generated_total",
			Help: "Total number of hypotheses surviving guardrail validation",
		},
		[]string{"session_status"},
	)

	HypothesesValidatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "causalreason_hypotheses_validated_total",
			Help: "Total number of hypotheses validated after causal testing",
		},
		[]string{"validated"}, // validated: true/false
	)

	// Statistical test metrics
	TestsRunTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "causalreason_tests_run_total",
			Help: "Total number of causal tests executed",
		},
		[]string{"method", "significant"},
	)

	TestsSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "causalreason_tests_skipped_total",
			Help: "Total number of causal tests skipped as infeasible",
		},
		[]string{"method"},
	)

	TestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "causalreason_test_duration_seconds",
			Help:    "Causal test execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
		},
		[]string{"method"},
	)

	// LLM metrics
	LLMRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "causalreason_llm_requests_total",
			Help: "Total number of LLM structured-completion requests",
		},
		[]string{"provider", "stage", "status"},
	)

	LLMRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "causalreason_llm_retries_total",
			Help: "Total number of LLM schema-validation retries",
		},
		[]string{"stage"},
	)

	LLMSchemaFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "causalreason_llm_schema_failures_total",
			Help: "Total number of LLM calls that exhausted their retry budget",
		},
		[]string{"stage"},
	)

	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "causalreason_llm_request_duration_seconds",
			Help:    "LLM request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
		[]string{"provider", "stage"},
	)

	// Budget metrics
	BudgetExceeded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "causalreason_budget_exceeded_total",
			Help: "Total number of sessions that exhausted their LLM call or duration budget",
		},
		[]string{"session_id"},
	)

	// Snapshot streaming metrics (cmd/snapshotbridge)
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "causalreason_websocket_connections",
			Help: "Current number of active snapshot-bridge WebSocket connections",
		},
	)

	WebSocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "causalreason_websocket_messages_total",
			Help: "Total number of snapshot-bridge WebSocket messages",
		},
		[]string{"direction"}, // direction: inbound/outbound
	)

	// Tester-worker gRPC metrics (cmd/testerworker)
	GRPCStreamActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "causalreason_grpc_stream_active",
			Help: "Whether the gRPC stream to the tester worker is active (1=active, 0=inactive)",
		},
	)

	GRPCReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "causalreason_grpc_reconnects_total",
			Help: "Total number of gRPC reconnection attempts to the tester worker",
		},
	)
)
