package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Webhook ingestion metrics
	webhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Total webhook events received, by dedup decision",
	}, []string{
		"event_type", // charge.succeeded, charge.refunded, ...
		"decision",   // new, already_stored, already_processed, rejected
	})

	eventProcessingTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "event_processing_total",
		Help: "Total asynchronous event processing outcomes",
	}, []string{
		"event_type",
		"outcome", // processed, retried, failed
	})

	// Lifecycle transition metrics
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lifecycle_transitions_total",
		Help: "Total state machine transition attempts",
	}, []string{
		"source",  // gateway, webhook, terminal, sweep
		"to",      // target status
		"outcome", // applied, noop, conflict, rejected
	})

	// Terminal polling metrics
	pollAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "terminal_poll_attempts_total",
		Help: "Total terminal poll calls by device answer",
	}, []string{
		"result", // pending, approved, declined, cancelled, offline
	})

	pollRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "terminal_poll_runs_total",
		Help: "Total terminal polling loops by final outcome",
	}, []string{
		"outcome", // approved, declined, cancelled, timeout, abandoned
	})

	pollRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "terminal_poll_run_duration_seconds",
		Help:    "Wall-clock duration of one terminal polling loop",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	// Reconciliation sweep metrics
	sweepCorrectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sweep_corrections_total",
		Help: "Timed-out sessions corrected to a device-final status by the sweep",
	})

	sweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sweep_runs_total",
		Help: "Total reconciliation sweep runs",
	}, []string{
		"outcome", // ok, error
	})
)

// RecordWebhookEvent records a dedup decision for an inbound event
func RecordWebhookEvent(eventType, decision string) {
	webhookEventsTotal.WithLabelValues(eventType, decision).Inc()
}

// RecordEventProcessing records an asynchronous processing outcome
func RecordEventProcessing(eventType, outcome string) {
	eventProcessingTotal.WithLabelValues(eventType, outcome).Inc()
}

// RecordTransition records a state machine transition attempt
func RecordTransition(source, to, outcome string) {
	transitionsTotal.WithLabelValues(source, to, outcome).Inc()
}

// RecordPollAttempt records one terminal poll call
func RecordPollAttempt(result string) {
	pollAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordPollRun records a completed polling loop
func RecordPollRun(outcome string, seconds float64) {
	pollRunsTotal.WithLabelValues(outcome).Inc()
	pollRunDuration.Observe(seconds)
}

// RecordSweepCorrection records a late device result applied by the sweep
func RecordSweepCorrection() {
	sweepCorrectionsTotal.Inc()
}

// RecordSweepRun records a sweep run outcome
func RecordSweepRun(outcome string) {
	sweepRunsTotal.WithLabelValues(outcome).Inc()
}
