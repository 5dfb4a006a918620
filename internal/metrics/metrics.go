// Package metrics holds the Prometheus collectors of the subsidy engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "subsidy"

// evaluationBuckets covers the in-memory hot path: 50µs to 100ms.
var evaluationBuckets = []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .010, .025, .100}

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeMatched = "matched"
	OutcomeNoMatch = "no_match"
	OutcomeError   = "error"
	OutcomeCached  = "cached"
)

var (
	// RefreshTotal counts snapshot refresh attempts.
	// Metric: subsidy_engine_refresh_total
	RefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "refresh_total",
		Help:      "Total rule snapshot refreshes by outcome",
	}, []string{"outcome"})

	// RefreshDuration measures the full load-compile-publish cycle.
	RefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "refresh_duration_seconds",
		Help:      "Time taken to load, compile and publish a rule snapshot",
		Buckets:   prometheus.DefBuckets,
	})

	// SnapshotRules is the rule count of the currently published snapshot.
	SnapshotRules = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "snapshot_rules",
		Help:      "Number of compiled rules in the current snapshot",
	})

	// SnapshotVersion is the version of the currently published snapshot.
	SnapshotVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "snapshot_version",
		Help:      "Version of the current rule snapshot",
	})

	// EvaluationsTotal counts CalculateSubsidy and ExecuteRule outcomes.
	EvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "evaluations_total",
		Help:      "Total subsidy evaluations by outcome",
	}, []string{"outcome"})

	// EvaluationDuration measures match plus calculate.
	EvaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "evaluation_seconds",
		Help:      "Time taken to match and calculate a subsidy",
		Buckets:   evaluationBuckets,
	})

	// SinkFailures counts record sink errors swallowed by ExecuteRule.
	SinkFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "sink_failures_total",
		Help:      "Total audit and grant recording failures",
	}, []string{"kind"})

	// CompileDegraded counts rules whose predicate or strategy degraded during compilation.
	CompileDegraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "compile_degraded_total",
		Help:      "Rules compiled with a fail-closed predicate or an invalid strategy",
	}, []string{"reason"})

	// HTTPRequests counts ops HTTP requests.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ops",
		Name:      "http_requests_total",
		Help:      "Total ops HTTP requests",
	}, []string{"method", "path", "code"})

	// WorkerMessages counts consumption messages handled by the worker.
	WorkerMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "messages_total",
		Help:      "Total consumption messages processed by outcome",
	}, []string{"outcome"})
)
