package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// total tool invocations per tool and envelope status
	ToolCallCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salesagent_tool_calls_total",
			Help: "Total AdCP tool invocations",
		},
		[]string{"tool", "status"},
	)

	// tool latency in seconds per tool
	ToolCallLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "salesagent_tool_call_duration_seconds",
			Help:    "Histogram of tool call latencies",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	// adapter RPCs per adapter, operation and outcome
	AdapterCallCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salesagent_adapter_calls_total",
			Help: "Total adapter RPCs",
		},
		[]string{"adapter", "operation", "status"},
	)

	// outbound webhook deliveries by outcome
	WebhookDeliveryCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salesagent_webhook_deliveries_total",
			Help: "Total webhook delivery attempts",
		},
		[]string{"status"},
	)

	// workflow step transitions by step type and resulting status
	WorkflowTransitionCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salesagent_workflow_transitions_total",
			Help: "Total workflow step status transitions",
		},
		[]string{"step_type", "status"},
	)

	// queued AI creative reviews
	AIReviewQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "salesagent_ai_review_queue_depth",
			Help: "Creatives waiting for AI review",
		},
	)
)

// RegisterMetrics registers all collectors with the given registerer.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		ToolCallCount,
		ToolCallLatency,
		AdapterCallCount,
		WebhookDeliveryCount,
		WorkflowTransitionCount,
		AIReviewQueueDepth,
	)
}
