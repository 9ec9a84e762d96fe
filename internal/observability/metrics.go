// Package observability holds the Prometheus metrics and OpenTelemetry
// tracing helpers shared by the orchestration components.
package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "seo-agents/backend"

var (
	// StageTransitions counts stage state changes.
	// Labels: flow, status ("running", "succeeded", "failed", "retrying", "skipped")
	StageTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_stage_transitions_total",
		Help: "Stage state transitions by flow and resulting status",
	}, []string{"flow", "status"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orchestrator_stage_duration_seconds",
		Help:    "Agent execution time per stage attempt",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"flow", "agent"})

	RunsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_runs_started_total",
		Help: "Flow runs started",
	}, []string{"flow"})

	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_runs_finished_total",
		Help: "Flow runs reaching a terminal status",
	}, []string{"flow", "status"})

	// ToolCalls counts tool executions. Labels: tool, result ("ok", "denied", "error", "timeout")
	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tools_calls_total",
		Help: "Tool executions by result",
	}, []string{"tool", "result"})

	QueueJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_jobs_total",
		Help: "Queue operations by job name and outcome",
	}, []string{"backend", "job", "outcome"})

	ScheduleFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_fires_total",
		Help: "Schedule trigger fires by result",
	}, []string{"result"})

	OutboxDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_events_total",
		Help: "Outbox rows processed by result",
	}, []string{"event_type", "result"})

	OutboxPollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbox_poll_duration_seconds",
		Help:    "Duration of one outbox poll cycle",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	WebhookFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_webhook_failures_total",
		Help: "Best-effort webhook notifications that failed",
	})
)

// StartSpan starts a span on the global tracer provider.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}
