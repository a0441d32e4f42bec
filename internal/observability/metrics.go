package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the chat pipeline.
//
// It tracks:
//   - completion requests and their latency per provider
//   - tool executions by tool, mode and outcome
//   - turns by finish reason
//   - confirmations and scheduled task fires
//   - HTTP requests served by the gateway
//
// All methods are safe to call on a nil *Metrics, which records nothing.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.ObserveCompletion("anthropic", "ok", time.Since(start))
type Metrics struct {
	// CompletionRequests counts completion requests.
	// Labels: provider, status (ok|error)
	CompletionRequests *prometheus.CounterVec

	// CompletionDuration measures completion stream latency in seconds.
	// Labels: provider
	CompletionDuration *prometheus.HistogramVec

	// TokensUsed tracks token consumption.
	// Labels: provider, type (input|output)
	TokensUsed *prometheus.CounterVec

	// ToolExecutions counts tool invocations.
	// Labels: tool_name, mode (automatic|confirm), status (ok|<tool error type>)
	ToolExecutions *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// Turns counts finished turns.
	// Labels: reason (stop|awaiting_confirmation|max_steps|error|canceled)
	Turns *prometheus.CounterVec

	// Confirmations counts recorded confirmation decisions.
	// Labels: decision (approved|denied)
	Confirmations *prometheus.CounterVec

	// TaskFires counts scheduled task executions.
	// Labels: status (ok|error)
	TaskFires *prometheus.CounterVec

	// HTTPRequests counts gateway requests.
	// Labels: method, route, status_code
	HTTPRequests *prometheus.CounterVec

	// HTTPRequestDuration measures gateway request latency.
	// Labels: method, route
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CompletionRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatline_completion_requests_total",
				Help: "Total number of completion requests by provider and status",
			},
			[]string{"provider", "status"},
		),

		CompletionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatline_completion_duration_seconds",
				Help:    "Duration of completion streams in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),

		TokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatline_llm_tokens_total",
				Help: "Total number of tokens used by provider and type",
			},
			[]string{"provider", "type"},
		),

		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatline_tool_executions_total",
				Help: "Total number of tool executions by tool, mode and status",
			},
			[]string{"tool_name", "mode", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatline_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		Turns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatline_turns_total",
				Help: "Total number of finished turns by finish reason",
			},
			[]string{"reason"},
		),

		Confirmations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatline_confirmations_total",
				Help: "Total number of tool call confirmations by decision",
			},
			[]string{"decision"},
		),

		TaskFires: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatline_scheduled_task_fires_total",
				Help: "Total number of scheduled task fires by status",
			},
			[]string{"status"},
		),

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatline_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatline_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"method", "route"},
		),
	}
}

// ObserveCompletion records one completion request.
func (m *Metrics) ObserveCompletion(provider, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.CompletionRequests.WithLabelValues(provider, status).Inc()
	m.CompletionDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// AddTokens records token usage reported by a provider.
func (m *Metrics) AddTokens(provider string, input, output int) {
	if m == nil {
		return
	}
	if input > 0 {
		m.TokensUsed.WithLabelValues(provider, "input").Add(float64(input))
	}
	if output > 0 {
		m.TokensUsed.WithLabelValues(provider, "output").Add(float64(output))
	}
}

// ObserveToolExecution records one tool invocation.
func (m *Metrics) ObserveToolExecution(tool, mode, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(tool, mode, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// TurnFinished records the finish reason of a turn.
func (m *Metrics) TurnFinished(reason string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(reason).Inc()
}

// ConfirmationRecorded records a confirmation decision.
func (m *Metrics) ConfirmationRecorded(approved bool) {
	if m == nil {
		return
	}
	decision := "denied"
	if approved {
		decision = "approved"
	}
	m.Confirmations.WithLabelValues(decision).Inc()
}

// TaskFired records a scheduled task execution.
func (m *Metrics) TaskFired(err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.TaskFires.WithLabelValues(status).Inc()
}

// RecordHTTPRequest records a gateway request.
func (m *Metrics) RecordHTTPRequest(method, route, statusCode string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
