// Package observability exposes Prometheus metrics for the training-load service.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	activityPersistGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "training_load",
		Subsystem: "persistence",
		Name:      "last_activity_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent activity persisted.",
	})
	refreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "training_load",
		Subsystem: "refresh",
		Name:      "total",
		Help:      "Refresh runs grouped by cache mode and outcome.",
	}, []string{"mode", "outcome"})
	refreshDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "training_load",
		Subsystem: "refresh",
		Name:      "duration_seconds",
		Help:      "Time spent recomputing analysis, override and plan.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"mode"})
	staleTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "training_load",
		Subsystem: "analysis",
		Name:      "stale_cache_total",
		Help:      "Number of times the analysis cache was found stale.",
	})
	planIterations = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "training_load",
		Subsystem: "planner",
		Name:      "iterations",
		Help:      "Validate-rebalance iterations per generated plan.",
		Buckets:   prometheus.LinearBuckets(0, 1, 11),
	})
	overrideTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "training_load",
		Subsystem: "override",
		Name:      "transitions_total",
		Help:      "Risk override phase transitions.",
	}, []string{"from", "to"})
)

func init() {
	prometheus.MustRegister(activityPersistGauge, refreshTotal, refreshDuration, staleTotal, planIterations, overrideTransitions)
}

// RecordActivityPersisted updates the persistence watermark gauge.
func RecordActivityPersisted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	activityPersistGauge.Set(float64(ts.Unix()))
}

// RecordRefresh counts a refresh run. Successful runs also record their duration.
func RecordRefresh(mode, outcome string, elapsed time.Duration) {
	refreshTotal.WithLabelValues(mode, outcome).Inc()
	if outcome == "ok" {
		refreshDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
	}
}

// RecordStaleCache counts a stale cache detection.
func RecordStaleCache() {
	staleTotal.Inc()
}

// RecordPlanIterations observes the convergence loop length of a generated plan.
func RecordPlanIterations(n int) {
	planIterations.Observe(float64(n))
}

// RecordOverrideTransition counts a phase change.
func RecordOverrideTransition(from, to string) {
	overrideTransitions.WithLabelValues(from, to).Inc()
}
