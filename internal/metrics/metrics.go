// Package metrics holds the Prometheus collectors for chain verification,
// constraint checking and plan synthesis.
//
// Collectors live on Registry rather than the default registerer so the
// CLI can dump exactly these series with WriteTextfile.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/formdbg/internal/constraint"
	"github.com/roach88/formdbg/internal/merkle"
	"github.com/roach88/formdbg/internal/recovery"
)

const namespace = "formdbg"

// Registry holds every formdbg collector.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// journalEntries counts entries read from the journal.
	journalEntries = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "journal",
		Name:      "entries_read_total",
		Help:      "Journal entries decoded",
	})

	// journalStops counts scans that stopped before the end of the journal.
	// Labels: reason (corrupt, out_of_order)
	journalStops = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "journal",
		Name:      "scan_stops_total",
		Help:      "Journal scans stopped by a bad frame",
	}, []string{"reason"})

	// snapshotsChecked counts snapshots by verification result.
	// Labels: result (verified, unverifiable)
	snapshotsChecked = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "snapshots_total",
		Help:      "Snapshots checked by chain verification",
	}, []string{"result"})

	chainDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "verify_duration_seconds",
		Help:      "Snapshot chain verification latency in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
	})

	// evaluations counts constraint evaluations.
	// Labels: kind (primary_key, unique, ...), result (satisfied, violated)
	evaluations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "constraints",
		Name:      "evaluations_total",
		Help:      "Constraint evaluations by kind and result",
	}, []string{"kind", "result"})

	checkDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "constraints",
		Name:      "check_duration_seconds",
		Help:      "Constraint check latency in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
	})

	// plans counts synthesis and verification outcomes.
	// Labels: target (minimal, known_good), outcome (proposed, unrecoverable, failed, verified, rejected)
	plans = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "recovery",
		Name:      "plans_total",
		Help:      "Recovery plans by target and outcome",
	}, []string{"target", "outcome"})

	planOperations = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "recovery",
		Name:      "plan_operations",
		Help:      "Operations per proposed plan",
		Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
	})

	synthDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "recovery",
		Name:      "synthesis_duration_seconds",
		Help:      "Plan synthesis latency in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
	})
)

// JournalEntries records n decoded entries.
func JournalEntries(n int) {
	journalEntries.Add(float64(n))
}

// JournalStopped records a scan that stopped on a bad frame.
func JournalStopped(reason string) {
	journalStops.WithLabelValues(reason).Inc()
}

// ObserveChain records a chain verification. report may be nil when
// verification could not run.
func ObserveChain(report *merkle.ChainReport, elapsed time.Duration) {
	chainDuration.Observe(elapsed.Seconds())
	if report == nil {
		return
	}
	snapshotsChecked.WithLabelValues("verified").Add(float64(len(report.Verified)))
	snapshotsChecked.WithLabelValues("unverifiable").Add(float64(len(report.Unverifiable)))
}

// ObserveEvaluations records one checker run.
func ObserveEvaluations(evals []constraint.Evaluation, elapsed time.Duration) {
	checkDuration.Observe(elapsed.Seconds())
	for _, e := range evals {
		result := "satisfied"
		if !e.Satisfied {
			result = "violated"
		}
		evaluations.WithLabelValues(e.Constraint.Kind.String(), result).Inc()
	}
}

// ObserveSynthesis records a synthesis attempt.
func ObserveSynthesis(target recovery.Target, p *recovery.Plan, err error, elapsed time.Duration) {
	synthDuration.Observe(elapsed.Seconds())
	var up *recovery.UnrecoverablePlan
	switch {
	case err == nil:
		plans.WithLabelValues(string(target), "proposed").Inc()
		planOperations.Observe(float64(len(p.Operations)))
	case errors.As(err, &up):
		plans.WithLabelValues(string(target), "unrecoverable").Inc()
	default:
		plans.WithLabelValues(string(target), "failed").Inc()
	}
}

// ObserveOutcome records the result of ApplyAndVerify.
func ObserveOutcome(out recovery.Outcome) {
	switch o := out.(type) {
	case recovery.Verified:
		plans.WithLabelValues(string(o.Plan.Target), "verified").Inc()
	case recovery.Rejected:
		plans.WithLabelValues(string(o.Plan.Target), "rejected").Inc()
	}
}

// WriteTextfile writes every formdbg series in the Prometheus text format,
// for the node exporter textfile collector.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, Registry)
}
