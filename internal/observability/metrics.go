package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting runtime metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Conversation turns per agent and completion status
//   - LLM request performance, token consumption, and failure rates
//   - Tool execution patterns, latencies, and error types
//   - Memory store operation latencies
//   - Tool server restarts and availability
//   - Active session counts for capacity planning
//
// All metrics use the "metagen_" prefix. A nil *Metrics is valid: every
// recording method is a no-op on nil, so components can be wired without
// metrics in tests.
type Metrics struct {
	// TurnCounter counts conversation turns by agent and final status.
	TurnCounter *prometheus.CounterVec

	// LLMRequestDuration tracks LLM API request latency.
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider, model, and status.
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed counts tokens consumed by provider, model, and type
	// (prompt or completion).
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool executions by tool name and status.
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration tracks tool execution latency.
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// ToolErrorCounter counts tool failures by tool name and error type.
	ToolErrorCounter *prometheus.CounterVec

	// StoreOperationDuration tracks memory store operation latency.
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	StoreOperationDuration *prometheus.HistogramVec

	// StoreOperationCounter counts memory store operations by name and status.
	StoreOperationCounter *prometheus.CounterVec

	// ToolServerRestarts counts tool server restart attempts by server name.
	ToolServerRestarts *prometheus.CounterVec

	// ToolServerUp reports whether a tool server is currently running.
	ToolServerUp *prometheus.GaugeVec

	// ActiveSessions tracks the number of sessions with an open turn.
	ActiveSessions *prometheus.GaugeVec
}

// NewMetrics creates and registers all metrics on the default Prometheus
// registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates and registers all metrics on the given registerer.
// Tests pass a private prometheus.NewRegistry() to avoid duplicate
// registration panics.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metagen_turns_total",
				Help: "Total number of conversation turns by agent and status",
			},
			[]string{"agent_id", "status"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "metagen_llm_request_duration_seconds",
				Help:    "LLM API request duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metagen_llm_requests_total",
				Help: "Total number of LLM API requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metagen_llm_tokens_total",
				Help: "Total number of tokens consumed by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metagen_tool_executions_total",
				Help: "Total number of tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "metagen_tool_execution_duration_seconds",
				Help:    "Tool execution duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		ToolErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metagen_tool_errors_total",
				Help: "Total number of tool failures by tool and error type",
			},
			[]string{"tool", "error_type"},
		),

		StoreOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "metagen_store_operation_duration_seconds",
				Help:    "Memory store operation duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation"},
		),

		StoreOperationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metagen_store_operations_total",
				Help: "Total number of memory store operations by name and status",
			},
			[]string{"operation", "status"},
		),

		ToolServerRestarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metagen_toolserver_restarts_total",
				Help: "Total number of tool server restart attempts by server",
			},
			[]string{"server"},
		),

		ToolServerUp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "metagen_toolserver_up",
				Help: "Whether a tool server is currently running (1) or not (0)",
			},
			[]string{"server"},
		),

		ActiveSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "metagen_active_sessions",
				Help: "Number of sessions with an open conversation turn",
			},
			[]string{"agent_id"},
		),
	}
}

// RecordTurn increments the turn counter for an agent and final status.
func (m *Metrics) RecordTurn(agentID, status string) {
	if m == nil {
		return
	}
	m.TurnCounter.WithLabelValues(agentID, status).Inc()
}

// RecordLLMRequest records metrics for a single LLM API request.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records metrics for a completed tool execution.
func (m *Metrics) RecordToolExecution(tool, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordToolError increments the tool error counter.
func (m *Metrics) RecordToolError(tool, errorType string) {
	if m == nil {
		return
	}
	m.ToolErrorCounter.WithLabelValues(tool, errorType).Inc()
}

// RecordStoreOperation records metrics for a memory store operation.
func (m *Metrics) RecordStoreOperation(operation, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.StoreOperationCounter.WithLabelValues(operation, status).Inc()
	m.StoreOperationDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordToolServerRestart increments the restart counter for a server.
func (m *Metrics) RecordToolServerRestart(server string) {
	if m == nil {
		return
	}
	m.ToolServerRestarts.WithLabelValues(server).Inc()
}

// SetToolServerUp reports a tool server's availability.
func (m *Metrics) SetToolServerUp(server string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1.0
	}
	m.ToolServerUp.WithLabelValues(server).Set(v)
}

// SessionStarted increments the active sessions gauge for an agent.
func (m *Metrics) SessionStarted(agentID string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(agentID).Inc()
}

// SessionEnded decrements the active sessions gauge for an agent.
func (m *Metrics) SessionEnded(agentID string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(agentID).Dec()
}
