package outbox

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// Replay outcomes of a dead-lettered plan or override event.
const (
	dlqOutcomeRequeued    = "requeued"
	dlqOutcomeRetry       = "retry_scheduled"
	dlqOutcomeQuarantined = "quarantined"
)

var (
	dlqReplayCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "training_load",
		Subsystem: "dlq",
		Name:      "replays_total",
		Help:      "Dead-lettered training events handled by the replay loop, by event type and outcome.",
	}, []string{"event_type", "outcome"})

	dlqAttemptsHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "training_load",
		Subsystem: "dlq",
		Name:      "replay_attempts",
		Help:      "Failed replay attempts a plan or override event accumulated before it left the DLQ.",
		Buckets:   prometheus.LinearBuckets(0, 1, 8),
	}, []string{"event_type", "outcome"})

	dlqEntriesGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "training_load",
		Subsystem: "dlq",
		Name:      "entries",
		Help:      "Training events parked in the DLQ, split into pending replay and quarantined.",
	}, []string{"event_type", "state"})
)

func init() {
	prometheus.MustRegister(dlqReplayCounter, dlqAttemptsHistogram, dlqEntriesGauge)
}

func recordDLQOutcome(entry dlqEntry, outcome string) {
	dlqReplayCounter.WithLabelValues(entry.EventType, outcome).Inc()
	if outcome != dlqOutcomeRetry {
		dlqAttemptsHistogram.WithLabelValues(entry.EventType, outcome).Observe(float64(entry.RetryCount))
	}
}

// refreshDLQGauge recounts DLQ entries per event type. Series for drained event types are dropped.
func refreshDLQGauge(ctx context.Context, pool *pgxpool.Pool) error {
	rows, err := pool.Query(ctx, `SELECT event_type, quarantined_at IS NOT NULL, COUNT(*)
        FROM outbox_dlq
        GROUP BY 1, 2`)
	if err != nil {
		return err
	}
	defer rows.Close()

	counts := make(map[[2]string]float64)
	for rows.Next() {
		var (
			eventType   string
			quarantined bool
			count       int64
		)
		if err := rows.Scan(&eventType, &quarantined, &count); err != nil {
			return err
		}
		state := "pending"
		if quarantined {
			state = dlqOutcomeQuarantined
		}
		counts[[2]string{eventType, state}] = float64(count)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	dlqEntriesGauge.Reset()
	for labels, count := range counts {
		dlqEntriesGauge.WithLabelValues(labels[0], labels[1]).Set(count)
	}
	return nil
}
