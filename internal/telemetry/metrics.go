// Package telemetry provides observability primitives for the orchestrator:
// Prometheus metrics and OpenTelemetry tracing setup.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the orchestrator.
type Metrics struct {
	RouteAttemptsTotal   *prometheus.CounterVec   // labels: policy, model, outcome
	RouteLatency         *prometheus.HistogramVec // labels: policy, model
	FallbackTotal        *prometheus.CounterVec   // labels: policy
	ActiveStreams        prometheus.Gauge
	TokensProcessed      *prometheus.CounterVec // labels: model, type
	QuotaRejectsTotal    *prometheus.CounterVec // labels: kind (rpm, daily)
	ReceiptsWrittenTotal prometheus.Counter
	SubagentOverBudget   *prometheus.CounterVec // labels: agent
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RouteAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routepilot",
			Name:      "route_attempts_total",
			Help:      "Total routing attempts by policy, model, and outcome.",
		}, []string{"policy", "model", "outcome"}),

		RouteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "routepilot",
			Name:                            "route_latency_seconds",
			Help:                            "Per-attempt routing latency in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"policy", "model"}),

		FallbackTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routepilot",
			Name:      "fallback_total",
			Help:      "Total fallbacks from a primary model to a backup.",
		}, []string{"policy"}),

		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "routepilot",
			Name:      "active_streams",
			Help:      "Number of currently open completion streams.",
		}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routepilot",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		QuotaRejectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routepilot",
			Name:      "quota_rejects_total",
			Help:      "Total requests rejected by quota enforcement, by kind.",
		}, []string{"kind"}),

		ReceiptsWrittenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "routepilot",
			Name:      "receipts_written_total",
			Help:      "Total signed receipts written to the ledger.",
		}),

		SubagentOverBudget: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routepilot",
			Name:      "subagent_over_budget_total",
			Help:      "Total sub-agent hops that exceeded their budget.",
		}, []string{"agent"}),
	}

	reg.MustRegister(
		m.RouteAttemptsTotal,
		m.RouteLatency,
		m.FallbackTotal,
		m.ActiveStreams,
		m.TokensProcessed,
		m.QuotaRejectsTotal,
		m.ReceiptsWrittenTotal,
		m.SubagentOverBudget,
	)

	return m
}
