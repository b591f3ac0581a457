// ABOUTME: Prometheus metrics for the conversation pipeline
// ABOUTME: Registered on a private registry so tests and multiple pipelines do not collide
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the pipeline
type Metrics struct {
	registry *prometheus.Registry

	// Turn metrics
	TurnsTotal     *prometheus.CounterVec
	TurnDuration   *prometheus.HistogramVec
	TurnFailures   *prometheus.CounterVec
	TurnsInFlight  prometheus.Gauge
	HandoffsTotal  *prometheus.CounterVec
	FollowupsTotal *prometheus.CounterVec
	TurnRetries    prometheus.Counter

	// Lifecycle metrics
	ConversationsClosed *prometheus.CounterVec

	// Guardrail metrics
	ViolationsTotal *prometheus.CounterVec

	// Grounding and model metrics
	GroundingTotal    *prometheus.CounterVec
	ModelCallDuration *prometheus.HistogramVec

	// Pacing metrics
	PartsDelivered     prometheus.Counter
	DeliveriesCanceled prometheus.Counter

	// Memory metrics
	FactsMerged   *prometheus.CounterVec
	PolicyReloads *prometheus.CounterVec
}

// New creates and registers all metrics on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{registry: reg}

	m.TurnsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_turns_total",
			Help: "Total number of processed turns",
		},
		[]string{"agent", "tier"},
	)

	m.TurnDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "concierge_turn_duration_seconds",
			Help:    "Duration of the turn pipeline in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent"},
	)

	m.TurnFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_turn_failures_total",
			Help: "Turns that failed and committed nothing",
		},
		[]string{"reason"},
	)

	m.TurnsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "concierge_turns_in_flight",
			Help: "Number of turns currently in the pipeline",
		},
	)

	m.HandoffsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_handoffs_total",
			Help: "Conversations escalated to a human",
		},
		[]string{"trigger"},
	)

	m.FollowupsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_followups_total",
			Help: "Follow-up timer outcomes",
		},
		[]string{"outcome"},
	)

	m.TurnRetries = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "concierge_turn_retries_total",
			Help: "Turns regenerated because the conversation changed during generation",
		},
	)

	m.ConversationsClosed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_conversations_closed_total",
			Help: "Idle conversations moved to completed or archived",
		},
		[]string{"state"},
	)

	m.ViolationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_guardrail_violations_total",
			Help: "Guardrail violations by stage and category",
		},
		[]string{"stage", "category"},
	)

	m.GroundingTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_grounding_total",
			Help: "Grounding outcomes: retrieval, web, none, skipped",
		},
		[]string{"outcome"},
	)

	m.ModelCallDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "concierge_model_call_duration_seconds",
			Help:    "Duration of model service calls in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32},
		},
		[]string{"tier", "status"},
	)

	m.PartsDelivered = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "concierge_delivery_parts_total",
			Help: "Reply parts delivered to the sink",
		},
	)

	m.DeliveriesCanceled = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "concierge_deliveries_canceled_total",
			Help: "Pending deliveries cancelled before completion",
		},
	)

	m.FactsMerged = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_memory_facts_merged_total",
			Help: "Memory facts merged by outcome",
		},
		[]string{"outcome"},
	)

	m.PolicyReloads = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_policy_reloads_total",
			Help: "Policy reload attempts by status",
		},
		[]string{"status"},
	)

	return m
}

// Registry exposes the private registry (tests, custom exporters)
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveModelCall records a model call duration
func (m *Metrics) ObserveModelCall(tier, status string, d time.Duration) {
	m.ModelCallDuration.WithLabelValues(tier, status).Observe(d.Seconds())
}

// RecordViolation records one guardrail violation
func (m *Metrics) RecordViolation(stage, category string) {
	m.ViolationsTotal.WithLabelValues(stage, category).Inc()
}
