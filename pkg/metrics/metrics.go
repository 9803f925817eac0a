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

	// WebhookEventsTotal tracks classified provider events.
	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Provider webhook events by classified kind",
		},
		[]string{"kind"},
	)

	// EventsDroppedTotal tracks events dropped before reaching the store.
	EventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_dropped_total",
			Help: "Provider events dropped without being stored",
		},
		[]string{"reason"},
	)

	// IngestDuration tracks end-to-end processing time of one event.
	IngestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_duration_seconds",
			Help:    "Processing time of one provider event",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"kind", "status"},
	)

	// ConversationsTotal tracks total conversations created.
	ConversationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
		[]string{"tenant_id"},
	)

	// MessagesTotal tracks message store outcomes.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Messages by direction and store outcome",
		},
		[]string{"tenant_id", "direction", "outcome"},
	)

	// FlowNodesTotal tracks flow nodes entered.
	FlowNodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow_nodes_executed_total",
			Help: "Flow nodes entered by node type",
		},
		[]string{"type"},
	)

	// FlowSessionsEndedTotal tracks session teardown.
	FlowSessionsEndedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow_sessions_ended_total",
			Help: "Flow sessions deleted by reason",
		},
		[]string{"reason"},
	)

	// FlowActionFailuresTotal tracks isolated action failures.
	FlowActionFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow_action_failures_total",
			Help: "Flow action failures by action type",
		},
		[]string{"action"},
	)

	// PostProcessFailuresTotal tracks best-effort enrichment failures.
	PostProcessFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "post_process_failures_total",
			Help: "Post-processing task failures",
		},
		[]string{"task"},
	)

	// TenantCacheEntries tracks the size of the instance resolver cache.
	TenantCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tenant_cache_entries",
			Help: "Cached channel instance mappings",
		},
	)

	// LLMRequestDuration tracks ai_reply completion latency.
	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "LLM completion duration in seconds",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30},
		},
		[]string{"provider", "model", "status"},
	)

	// LLMTokensTotal tracks tokens used by completions.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens used",
		},
		[]string{"provider", "model", "direction"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordIngest records metrics for one processed provider event.
func RecordIngest(kind, status string, duration float64) {
	WebhookEventsTotal.WithLabelValues(kind).Inc()
	IngestDuration.WithLabelValues(kind, status).Observe(duration)
}

// RecordLLM records metrics for one completion.
func RecordLLM(provider, model, status string, duration float64, tokensIn, tokensOut int) {
	LLMRequestDuration.WithLabelValues(provider, model, status).Observe(duration)
	if tokensIn > 0 {
		LLMTokensTotal.WithLabelValues(provider, model, "input").Add(float64(tokensIn))
	}
	if tokensOut > 0 {
		LLMTokensTotal.WithLabelValues(provider, model, "output").Add(float64(tokensOut))
	}
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
