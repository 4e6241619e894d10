// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// LLMRequestDuration tracks interpreter backend latency.
	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "LLM completion duration",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 20, 30},
		},
		[]string{"model", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)

	// RouterMessagesTotal tracks envelopes accepted by the router.
	RouterMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_messages_total",
			Help: "Envelopes sent through the router",
		},
		[]string{"recipient", "kind", "action"},
	)

	// RouterErrorsTotal tracks rejected envelopes.
	RouterErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_errors_total",
			Help: "Envelopes rejected by the router",
		},
		[]string{"reason"},
	)

	// TurnsTotal tracks orchestrator turns by operation and outcome.
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "turns_total",
			Help: "Conversation turns handled",
		},
		[]string{"operation", "outcome"},
	)

	// TurnDuration tracks how long a turn holds the conversation.
	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "turn_duration_seconds",
			Help:    "Turn processing duration",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation"},
	)

	// StageTransitionsTotal tracks session stage changes.
	StageTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_stage_transitions_total",
			Help: "Session stage transitions",
		},
		[]string{"from", "to"},
	)

	// ConflictsDetectedTotal tracks conflicts found by the engine.
	ConflictsDetectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conflicts_detected_total",
			Help: "Conflicts detected between candidates and the calendar",
		},
	)

	// CalendarBatchesTotal tracks mutation batches by outcome.
	CalendarBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calendar_batches_total",
			Help: "Calendar mutation batches",
		},
		[]string{"outcome"},
	)

	// CalendarRollbacksTotal tracks compensating writes.
	CalendarRollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calendar_rollbacks_total",
			Help: "Compensating calendar writes issued during rollback",
		},
		[]string{"operation", "status"},
	)

	// SessionsActive tracks live conversation sessions.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Number of live conversation sessions",
		},
	)

	// NotificationsPublished tracks NATS publishes.
	NotificationsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nats_notifications_published_total",
			Help: "Notifications published to NATS",
		},
		[]string{"type", "status"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLMRequest records metrics for an LLM completion.
func RecordLLMRequest(model, status string, duration float64, tokensIn, tokensOut int) {
	LLMRequestDuration.WithLabelValues(model, status).Observe(duration)
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}

// RecordTurn records a finished orchestrator turn.
func RecordTurn(operation, outcome string, duration float64) {
	TurnsTotal.WithLabelValues(operation, outcome).Inc()
	TurnDuration.WithLabelValues(operation).Observe(duration)
}

// RecordTransition records a session stage change.
func RecordTransition(from, to string) {
	StageTransitionsTotal.WithLabelValues(from, to).Inc()
}
