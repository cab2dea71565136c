// Package observability provides structured logging, Prometheus metrics,
// and OpenTelemetry tracing for the orchestration server.
//
// Logging is built on slog with automatic credential redaction: every log
// message and string attribute passes through the same scrubbing rules the
// tool output pipeline uses, so secrets captured from assessment tooling
// never reach log sinks. Correlation IDs (request, session, task) attached
// to a context are lifted into log records automatically.
//
// Metrics cover task executions, LLM usage, approval decisions, websocket
// fan-out, and scheduler runs. Tracing is disabled unless an OTLP endpoint
// is configured.
package observability
