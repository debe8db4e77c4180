// Package metrics registers the engine's Prometheus gauges, counters, and
// histograms: latency per stage, venue degradation flags, circuit-breaker
// state, in-flight capital, realized PnL, and the dropped-candidate
// counters the spec requires ("every dropped candidate increments a
// labeled counter").
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every collector the pipeline touches, constructed once and
// threaded through the stages that need it.
type Metrics struct {
	StageLatency        *prometheus.HistogramVec
	CandidatesEmitted    prometheus.Counter
	CandidatesDropped    *prometheus.CounterVec
	ChangeNoticesCoalesced prometheus.Counter
	RoutesAccepted       prometheus.Counter
	RoutesRejected       *prometheus.CounterVec
	PlansAccepted        prometheus.Counter
	PlansRejected        *prometheus.CounterVec
	OutcomesTotal        *prometheus.CounterVec
	InFlightCapitalUSD   prometheus.Gauge
	RealizedPnLUSD       prometheus.Gauge
	CircuitBreakerState  *prometheus.GaugeVec
	VenueDegraded        *prometheus.GaugeVec
}

// New constructs and registers every collector against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "arbiter",
			Name:      "stage_latency_seconds",
			Help:      "Latency of one pipeline stage's processing of a single item.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"stage"}),
		CandidatesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arbiter", Name: "candidates_emitted_total",
			Help: "Candidates emitted by the opportunity detector.",
		}),
		CandidatesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbiter", Name: "candidates_dropped_total",
			Help: "Candidates dropped, labeled by reason.",
		}, []string{"reason"}),
		ChangeNoticesCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arbiter", Name: "change_notices_coalesced_total",
			Help: "Change notices dropped in favor of a newer notice for the same account.",
		}),
		RoutesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arbiter", Name: "routes_accepted_total",
			Help: "Routes accepted by the solver.",
		}),
		RoutesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbiter", Name: "routes_rejected_total",
			Help: "Routes rejected by the solver, labeled by reason.",
		}, []string{"reason"}),
		PlansAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arbiter", Name: "plans_accepted_total",
			Help: "Execution plans admitted by the risk gate.",
		}),
		PlansRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbiter", Name: "plans_rejected_total",
			Help: "Execution plans rejected by the risk gate, labeled by rule id.",
		}, []string{"rule"}),
		OutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbiter", Name: "outcomes_total",
			Help: "Execution outcomes, labeled by terminal status.",
		}, []string{"status"}),
		InFlightCapitalUSD: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arbiter", Name: "in_flight_capital_usd",
			Help: "Sum of committed capital across in-flight execution plans.",
		}),
		RealizedPnLUSD: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arbiter", Name: "realized_pnl_usd_today",
			Help: "Realized PnL for the current trading day.",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "arbiter", Name: "circuit_breaker_state",
			Help: "1 for the risk gate's current state, labeled by state name.",
		}, []string{"state"}),
		VenueDegraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "arbiter", Name: "venue_degraded",
			Help: "1 if the venue is currently flagged degraded, else 0.",
		}, []string{"venue"}),
	}

	reg.MustRegister(
		m.StageLatency, m.CandidatesEmitted, m.CandidatesDropped, m.ChangeNoticesCoalesced,
		m.RoutesAccepted, m.RoutesRejected, m.PlansAccepted, m.PlansRejected,
		m.OutcomesTotal, m.InFlightCapitalUSD, m.RealizedPnLUSD, m.CircuitBreakerState, m.VenueDegraded,
	)
	return m
}

// SetCircuitState zeroes every other known state and sets state to 1, so
// the gauge always reads as a one-hot vector over {normal, throttled, halted}.
func (m *Metrics) SetCircuitState(state string) {
	for _, s := range []string{"normal", "throttled", "halted"} {
		if s == state {
			m.CircuitBreakerState.WithLabelValues(s).Set(1)
		} else {
			m.CircuitBreakerState.WithLabelValues(s).Set(0)
		}
	}
}
