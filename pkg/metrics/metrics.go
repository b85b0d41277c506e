package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	IngestedOccurrencesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingested_occurrences_total",
			Help: "Total number of occurrences offered for ingestion (count)",
		},
		[]string{"source", "status"},
	)

	RoutedOccurrencesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routed_occurrences_total",
			Help: "Total number of routing passes by final status (count)",
		},
		[]string{"status"},
	)

	DispatchedActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatched_actions_total",
			Help: "Total number of action dispatch attempts (count)",
		},
		[]string{"action", "status"},
	)

	RoutingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "routing_duration_ms",
			Help:    "Duration of one routing pass in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"status"},
	)

	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_duration_ms",
			Help:    "Duration of one action dispatch in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"action"},
	)

	EnabledRules = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "routing_enabled_rules",
			Help: "Number of enabled routing rules seen by the last pass (count)",
		},
	)

	RuleEvaluationErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_evaluation_errors_total",
			Help: "Total number of rule evaluation errors by condition kind (count)",
		},
		[]string{"kind"},
	)

	DedupeFallbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedupe_fallback_total",
			Help: "Total number of ingest dedupe guard fallbacks on cache errors (count)",
		},
		[]string{"reason"},
	)

	SweeperRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweeper_runs_total",
			Help: "Total number of pending-occurrence sweeps (count)",
		},
		[]string{"status"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through a circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failed requests through a circuit breaker (count)",
		},
		[]string{"name"},
	)

	BrokerMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_messages_total",
			Help: "Total number of broker messages by topic and status (count)",
		},
		[]string{"topic", "status"},
	)
)

var registered = make(map[string]bool)

func register(name string, collectors ...prometheus.Collector) {
	if registered[name] {
		return
	}
	registered[name] = true
	for _, c := range collectors {
		prometheus.MustRegister(c)
	}
}

func RegisterEngineMetrics() {
	register("engine",
		IngestedOccurrencesTotal,
		RoutedOccurrencesTotal,
		DispatchedActionsTotal,
		RoutingDuration,
		DispatchDuration,
		EnabledRules,
		RuleEvaluationErrorsTotal,
		DedupeFallbackTotal,
		SweeperRunsTotal,
	)
}

func RegisterBrokerMetrics() {
	register("broker", BrokerMessagesTotal)
}

func RegisterCircuitBreakerMetrics() {
	register("circuit_breaker",
		CircuitBreakerState,
		CircuitBreakerRequests,
		CircuitBreakerFailures,
	)
}

func ObserveRoutingDuration(d time.Duration, status string) {
	RoutingDuration.WithLabelValues(status).Observe(float64(d.Milliseconds()))
}

func ObserveDispatchDuration(d time.Duration, action string) {
	DispatchDuration.WithLabelValues(action).Observe(float64(d.Milliseconds()))
}

func SetEnabledRules(n int) {
	EnabledRules.Set(float64(n))
}
