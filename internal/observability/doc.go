// Package observability provides structured logging, Prometheus metrics and
// OpenTelemetry tracing for coachd.
//
// Logging is built on log/slog. NewLogger wraps the JSON or text handler with
// one that redacts secrets and copies request, session and user ids from the
// context onto every record, so callers log with the standard *slog.Logger
// API and the *Context variants.
//
// Metrics are registered through promauto against a caller-supplied
// registerer so tests can use isolated registries.
package observability
