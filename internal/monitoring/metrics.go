// Package monitoring exposes the gateway's Prometheus metrics.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the gateway.
type Metrics struct {
	// Decision metrics
	DecisionsTotal   *prometheus.CounterVec
	DecisionDuration *prometheus.HistogramVec

	// Pipeline metrics
	TripwireHits    *prometheus.CounterVec
	VelocityDenials *prometheus.CounterVec
	CircuitState    prometheus.Gauge
	CircuitTrips    *prometheus.CounterVec
	EntitiesHalted  prometheus.Gauge

	// Critic metrics
	CriticReviews   *prometheus.CounterVec
	CriticLatency   prometheus.Histogram
	CriticFallbacks prometheus.Counter

	// Cache and ledger metrics
	CacheLookups *prometheus.CounterVec
	LedgerLength prometheus.Gauge

	// Trust metrics
	TrustScore *prometheus.GaugeVec
}

// NewMetrics creates and registers all gateway metrics on the given
// registerer. Tests pass a fresh registry to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_decisions_total",
				Help: "Total enforcement decisions by action",
			},
			[]string{"action", "rigor"},
		),
		DecisionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_decision_duration_seconds",
				Help:    "Wall-clock duration of the enforce pipeline",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action"},
		),
		TripwireHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tripwire_hits_total",
				Help: "Goals blocked by tripwire patterns",
			},
			[]string{"pattern"},
		),
		VelocityDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_velocity_denials_total",
				Help: "Requests denied by the velocity limiter",
			},
			[]string{"tier"},
		),
		CircuitState: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_circuit_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
		),
		CircuitTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_trips_total",
				Help: "Circuit breaker trips by reason",
			},
			[]string{"reason"},
		),
		EntitiesHalted: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_entities_halted",
				Help: "Entities currently in the halted set",
			},
		),
		CriticReviews: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_critic_reviews_total",
				Help: "Adversarial critic reviews by judgment",
			},
			[]string{"judgment"},
		),
		CriticLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gateway_critic_latency_seconds",
				Help:    "Latency of critic provider calls",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 3, 5},
			},
		),
		CriticFallbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_critic_fallbacks_total",
				Help: "Critic calls that fell back to the cautious verdict",
			},
		),
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_lookups_total",
				Help: "Verdict cache lookups by outcome",
			},
			[]string{"outcome"}, // hit, miss
		),
		LedgerLength: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_ledger_records",
				Help: "Number of records in the proof ledger",
			},
		),
		TrustScore: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_trust_score",
				Help: "Current trust score per entity",
			},
			[]string{"entity_id"},
		),
	}
}
