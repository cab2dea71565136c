package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the orchestration server.
//
// Tracked concerns:
//   - Tool task executions, latency, and scope-guard rejections
//   - LLM request performance and token consumption
//   - Approval gate decisions
//   - Session counts and websocket fan-out
//   - Scheduled run outcomes
//   - HTTP API latency
type Metrics struct {
	// TaskCounter counts finished tool tasks.
	// Labels: tool, status (completed|failed|error|timeout|killed)
	TaskCounter *prometheus.CounterVec

	// TaskDuration measures tool task wall time in seconds.
	// Labels: tool
	TaskDuration *prometheus.HistogramVec

	// RunningTasks is a gauge of tasks currently executing.
	RunningTasks prometheus.Gauge

	// ScopeViolations counts executions blocked by the scope guard.
	// Labels: tool
	ScopeViolations *prometheus.CounterVec

	// LLMRequestCounter counts LLM requests.
	// Labels: provider (anthropic|openai), model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ApprovalCounter counts resolved approval gates.
	// Labels: kind (step|scope), decision (approved|denied|timeout)
	ApprovalCounter *prometheus.CounterVec

	// ActiveSessions is a gauge of sessions currently held in the store.
	ActiveSessions prometheus.Gauge

	// WebsocketClients is a gauge of connected websocket clients.
	// Labels: stream (session|task)
	WebsocketClients *prometheus.GaugeVec

	// ScheduleRunCounter counts scheduled runs by outcome.
	// Labels: status (completed|failed)
	ScheduleRunCounter *prometheus.CounterVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP request latency in seconds.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component (executor|agent|scheduler|server|store), error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates the full metric set, registered against reg.
// Pass prometheus.DefaultRegisterer in production; a fresh
// prometheus.NewRegistry() (or nil to skip registration) in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TaskCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ptbb_task_executions_total",
				Help: "Total finished tool tasks by tool and final status",
			},
			[]string{"tool", "status"},
		),

		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ptbb_task_duration_seconds",
				Help:    "Wall time of tool tasks in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"tool"},
		),

		RunningTasks: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ptbb_running_tasks",
				Help: "Number of tool tasks currently executing",
			},
		),

		ScopeViolations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ptbb_scope_violations_total",
				Help: "Total executions blocked by the engagement scope guard",
			},
			[]string{"tool"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ptbb_llm_requests_total",
				Help: "Total LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ptbb_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ptbb_llm_tokens_total",
				Help: "Total tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ApprovalCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ptbb_approvals_total",
				Help: "Total resolved approval gates by kind and decision",
			},
			[]string{"kind", "decision"},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ptbb_active_sessions",
				Help: "Number of sessions currently held in the store",
			},
		),

		WebsocketClients: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ptbb_websocket_clients",
				Help: "Connected websocket clients by stream kind",
			},
			[]string{"stream"},
		),

		ScheduleRunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ptbb_schedule_runs_total",
				Help: "Total scheduled runs by outcome",
			},
			[]string{"status"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ptbb_http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ptbb_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ptbb_errors_total",
				Help: "Total errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// TaskStarted marks a task as executing.
func (m *Metrics) TaskStarted() {
	m.RunningTasks.Inc()
}

// RecordTask records a finished task and releases the running slot.
func (m *Metrics) RecordTask(tool, status string, durationSeconds float64) {
	m.RunningTasks.Dec()
	m.TaskCounter.WithLabelValues(tool, status).Inc()
	m.TaskDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordScopeViolation counts a scope-guard rejection for a tool.
func (m *Metrics) RecordScopeViolation(tool string) {
	m.ScopeViolations.WithLabelValues(tool).Inc()
}

// RecordLLMRequest records latency, outcome, and token usage for one
// LLM API call.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordApproval counts a resolved approval gate.
func (m *Metrics) RecordApproval(kind, decision string) {
	m.ApprovalCounter.WithLabelValues(kind, decision).Inc()
}

// SetActiveSessions sets the session gauge, used after store reloads.
func (m *Metrics) SetActiveSessions(n int) {
	m.ActiveSessions.Set(float64(n))
}

// SessionCreated increments the active session gauge.
func (m *Metrics) SessionCreated() {
	m.ActiveSessions.Inc()
}

// SessionDeleted decrements the active session gauge.
func (m *Metrics) SessionDeleted() {
	m.ActiveSessions.Dec()
}

// WSConnected marks a websocket client attached to a stream.
func (m *Metrics) WSConnected(stream string) {
	m.WebsocketClients.WithLabelValues(stream).Inc()
}

// WSDisconnected marks a websocket client detached from a stream.
func (m *Metrics) WSDisconnected(stream string) {
	m.WebsocketClients.WithLabelValues(stream).Dec()
}

// RecordScheduleRun counts a scheduled run outcome.
func (m *Metrics) RecordScheduleRun(status string) {
	m.ScheduleRunCounter.WithLabelValues(status).Inc()
}

// RecordHTTPRequest records one handled HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordError increments the error counter for a component.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}
