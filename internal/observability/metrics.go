package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting orchestrator
// metrics: LLM call performance, tool execution outcomes, session and
// sandbox pool occupancy, health transitions, and control-plane HTTP
// traffic. Built on Prometheus, trimmed from the teacher's channel/webhook/
// database-query metric set down to the surfaces this orchestrator
// actually exercises.
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.ToolExecutionCounter.WithLabelValues("fs.read", "success").Inc()
type Metrics struct {
	// LLMRequestDuration measures LanguageModel.Complete latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider, model, and outcome.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations by exposed tool name and
	// outcome.
	// Labels: tool_name, status (success|error|denied)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and orcherr.Kind.
	// Labels: component, kind
	ErrorCounter *prometheus.CounterVec

	// ActiveSessions is a gauge tracking current live sessions.
	ActiveSessions prometheus.Gauge

	// SessionDuration measures session lifetime in seconds, observed at
	// termination.
	SessionDuration prometheus.Histogram

	// SandboxPoolIdle/SandboxPoolActive track SandboxPool occupancy.
	SandboxPoolIdle   prometheus.Gauge
	SandboxPoolActive prometheus.Gauge

	// HealthTransitions counts HealthMonitor state transitions.
	// Labels: server, from, to
	HealthTransitions *prometheus.CounterVec

	// ApprovalQueueDepth tracks in-flight approval prompts awaiting a
	// verdict across all sessions.
	ApprovalQueueDepth prometheus.Gauge

	// HTTPRequestDuration measures control-endpoint latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts control-endpoint requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// DispatchJobDuration measures dispatch-plane job turnaround.
	// Labels: server_name, status (success|error|timeout)
	DispatchJobDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics with the default
// registry. Call once at startup.
func NewMetrics() *Metrics {
	return &Metrics{
		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_llm_request_duration_seconds",
				Help:    "Duration of LanguageModel.Complete calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_llm_requests_total",
				Help: "Total LanguageModel.Complete calls by provider, model, status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_llm_tokens_total",
				Help: "Total tokens consumed by provider, model, type",
			},
			[]string{"provider", "model", "type"},
		),
		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_tool_executions_total",
				Help: "Total tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_errors_total",
				Help: "Total errors by component and error kind",
			},
			[]string{"component", "kind"},
		),
		ActiveSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchestrator_active_sessions",
				Help: "Current number of live sessions",
			},
		),
		SessionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "orchestrator_session_duration_seconds",
				Help:    "Session lifetime in seconds, observed at termination",
				Buckets: []float64{60, 300, 600, 1800, 3600, 7200, 14400, 28800},
			},
		),
		SandboxPoolIdle: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchestrator_sandbox_pool_idle",
				Help: "Current number of idle sandboxes in the pool",
			},
		),
		SandboxPoolActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchestrator_sandbox_pool_active",
				Help: "Current number of active (checked-out) sandboxes",
			},
		),
		HealthTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_health_transitions_total",
				Help: "Total HealthMonitor state transitions by server, from, to",
			},
			[]string{"server", "from", "to"},
		),
		ApprovalQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchestrator_approval_queue_depth",
				Help: "Current number of tool calls awaiting an approval verdict",
			},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_http_request_duration_seconds",
				Help:    "Duration of control-endpoint HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_http_requests_total",
				Help: "Total control-endpoint HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		DispatchJobDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_dispatch_job_duration_seconds",
				Help:    "Duration of dispatch-plane ToolJob turnaround in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"server_name", "status"},
		),
	}
}
