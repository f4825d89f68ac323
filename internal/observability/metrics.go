package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the Prometheus collectors coachd exports.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.TurnsTotal.WithLabelValues("completed").Inc()
type Metrics struct {
	// TurnsTotal counts finished turns.
	// Labels: status (completed|error|awaiting_user)
	TurnsTotal *prometheus.CounterVec

	// TurnDuration measures wall time of a turn in seconds.
	TurnDuration prometheus.Histogram

	// TurnIterations observes how many loop iterations a turn used.
	TurnIterations prometheus.Histogram

	// ActiveTurns is the number of turns currently running.
	ActiveTurns prometheus.Gauge

	// LLMRequestDuration measures provider call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts provider calls.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output|cache_read|cache_write)
	LLMTokensUsed *prometheus.CounterVec

	// LLMCostUSD accumulates estimated spend.
	// Labels: provider, model
	LLMCostUSD *prometheus.CounterVec

	// ToolExecutionCounter counts tool dispatches.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// KnowledgeLoaded counts knowledge events appended by the initializer.
	// Labels: source, status (loaded|error)
	KnowledgeLoaded *prometheus.CounterVec

	// SequenceConflicts counts event appends that lost a sequence race.
	SequenceConflicts prometheus.Counter

	// StreamEventsDropped counts stream events discarded because the
	// listener was gone or too slow.
	// Labels: transport
	StreamEventsDropped *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, route, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers all collectors with reg. Passing nil uses the
// default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coachd_turns_total",
				Help: "Total number of agent turns by final status",
			},
			[]string{"status"},
		),
		TurnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "coachd_turn_duration_seconds",
				Help:    "Wall time of agent turns in seconds",
				Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
			},
		),
		TurnIterations: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "coachd_turn_iterations",
				Help:    "Loop iterations used per turn",
				Buckets: prometheus.LinearBuckets(1, 1, 11),
			},
		),
		ActiveTurns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "coachd_active_turns",
				Help: "Number of turns currently running",
			},
		),
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coachd_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coachd_llm_requests_total",
				Help: "Total number of LLM API requests",
			},
			[]string{"provider", "model", "status"},
		),
		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coachd_llm_tokens_total",
				Help: "Total number of tokens by type",
			},
			[]string{"provider", "model", "type"},
		),
		LLMCostUSD: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coachd_llm_cost_usd_total",
				Help: "Estimated LLM spend in US dollars",
			},
			[]string{"provider", "model"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coachd_tool_executions_total",
				Help: "Total number of tool dispatches",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coachd_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"tool_name"},
		),
		KnowledgeLoaded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coachd_knowledge_loads_total",
				Help: "Knowledge sources fetched by the context initializer",
			},
			[]string{"source", "status"},
		),
		SequenceConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "coachd_event_sequence_conflicts_total",
				Help: "Event appends that lost a sequence number race and retried",
			},
		),
		StreamEventsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coachd_stream_events_dropped_total",
				Help: "Stream events dropped because the listener disconnected or lagged",
			},
			[]string{"transport"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coachd_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
			},
			[]string{"method", "route", "status_code"},
		),
	}
}

// RecordLLMUsage adds token and cost counters for one provider call.
func (m *Metrics) RecordLLMUsage(provider, model string, input, output, cacheRead, cacheWrite int64, costUSD float64) {
	if m == nil {
		return
	}
	m.LLMTokensUsed.WithLabelValues(provider, model, "input").Add(float64(input))
	m.LLMTokensUsed.WithLabelValues(provider, model, "output").Add(float64(output))
	m.LLMTokensUsed.WithLabelValues(provider, model, "cache_read").Add(float64(cacheRead))
	m.LLMTokensUsed.WithLabelValues(provider, model, "cache_write").Add(float64(cacheWrite))
	if costUSD > 0 {
		m.LLMCostUSD.WithLabelValues(provider, model).Add(costUSD)
	}
}

// StatusLabel maps a success flag to the success/error label value.
func StatusLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
