package triage

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/imara/internal/provider"
	"github.com/linnemanlabs/imara/internal/router"
)

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	DecisionsTotal   *prometheus.CounterVec
	DecisionDuration *prometheus.HistogramVec
	RiskScore        prometheus.Histogram
	PolicyOverrides  prometheus.Counter
	SafeWordsTotal   prometheus.Counter
	SuppressedTotal  prometheus.Counter
	DispatchesTotal  *prometheus.CounterVec
	ProviderAttempts *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	RouteDepth       *prometheus.HistogramVec
	DegradedTotal    *prometheus.CounterVec
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imara_decisions_total",
			Help: "Total triage decisions by action, modality and degraded state.",
		}, []string{"action", "modality", "degraded"}),
		DecisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imara_decision_duration_seconds",
			Help:    "End-to-end triage turn duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 0.25s .. ~128s
		}, []string{"modality"}),
		RiskScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "imara_risk_score",
			Help:    "Distribution of normalized risk scores.",
			Buckets: prometheus.LinearBuckets(1, 1, 10), // 1 .. 10
		}),
		PolicyOverrides: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imara_policy_overrides_total",
			Help: "Decisions escalated to REPORT by the policy table.",
		}),
		SafeWordsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imara_safe_words_total",
			Help: "Safe-word cancellations received.",
		}),
		SuppressedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imara_suppressed_outputs_total",
			Help: "Outputs suppressed because a cancellation won the race.",
		}),
		DispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imara_dispatches_total",
			Help: "Partner dispatch attempts by outcome.",
		}, []string{"outcome"}),
		ProviderAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imara_provider_attempts_total",
			Help: "Provider calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imara_provider_latency_seconds",
			Help:    "Latency of individual provider calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s .. ~51s
		}, []string{"provider"}),
		RouteDepth: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imara_route_depth",
			Help:    "How many providers were tried before a route resolved.",
			Buckets: prometheus.LinearBuckets(1, 1, 5), // 1 .. 5
		}, []string{"modality"}),
		DegradedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imara_degraded_routes_total",
			Help: "Routes where every provider in the chain failed.",
		}, []string{"modality"}),
	}

	reg.MustRegister(
		m.DecisionsTotal,
		m.DecisionDuration,
		m.RiskScore,
		m.PolicyOverrides,
		m.SafeWordsTotal,
		m.SuppressedTotal,
		m.DispatchesTotal,
		m.ProviderAttempts,
		m.ProviderLatency,
		m.RouteDepth,
		m.DegradedTotal,
	)

	return m
}

// Hooks returns an EngineHooks that increments the corresponding metrics.
func (m *Metrics) Hooks() EngineHooks {
	return EngineHooks{
		OnDecision: func(e *DecisionEvent) {
			degraded := "false"
			if e.Degraded {
				degraded = "true"
			}
			m.DecisionsTotal.WithLabelValues(string(e.Action), e.Modality, degraded).Inc()
			m.DecisionDuration.WithLabelValues(e.Modality).Observe(e.Duration)
			m.RiskScore.Observe(float64(e.RiskScore))
			if e.PolicyOverride {
				m.PolicyOverrides.Inc()
			}
		},
		OnSafeWord:   func() { m.SafeWordsTotal.Inc() },
		OnSuppressed: func() { m.SuppressedTotal.Inc() },
		OnDispatch: func(outcome string) {
			m.DispatchesTotal.WithLabelValues(outcome).Inc()
		},
	}
}

// RouterHooks returns router telemetry hooks backed by the same registry.
func (m *Metrics) RouterHooks() router.Hooks {
	return router.Hooks{
		OnAttempt: func(providerName string, kind provider.ErrorKind, ok bool, duration float64) {
			outcome := "ok"
			if !ok {
				outcome = string(kind)
			}
			m.ProviderAttempts.WithLabelValues(providerName, outcome).Inc()
			m.ProviderLatency.WithLabelValues(providerName).Observe(duration)
		},
		OnRouted: func(modality provider.Modality, depth int, degraded bool) {
			m.RouteDepth.WithLabelValues(string(modality)).Observe(float64(depth))
			if degraded {
				m.DegradedTotal.WithLabelValues(string(modality)).Inc()
			}
		},
	}
}
