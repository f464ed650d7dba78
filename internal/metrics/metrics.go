// Package metrics declares the prometheus collectors for the consensus
// engine, following the teacher's package-level counter/histogram pattern
// (hare3.malformedError, hare3.oracleLatency, etc.).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "oracle_sync"

var (
	// MalformedMessages counts envelopes dropped for a missing/wrong-typed
	// field, wrong stage, or failed schema validation.
	MalformedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "malformed_messages_total",
		Help:      "Envelopes dropped for schema or type validation failure.",
	})

	// SignatureFailures counts envelopes dropped for a failed signature check.
	SignatureFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signature_failures_total",
		Help:      "Envelopes dropped for a signature that failed to verify.",
	})

	// DroppedMessages counts envelopes dropped for any other reason (stage
	// gate, participant gate, queue overflow).
	DroppedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dropped_messages_total",
		Help:      "Envelopes dropped for stage mismatch, non-participant sender, or queue overflow.",
	})

	// RoundsCompleted counts consensus rounds that reached S7 and persisted.
	RoundsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rounds_completed_total",
		Help:      "Consensus rounds that persisted a valid epoch record.",
	})

	// RoundsAbandoned counts rounds that fell back to S8 (no median / no agreement).
	RoundsAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rounds_abandoned_total",
		Help:      "Consensus rounds abandoned to the historical-catchup branch.",
	})

	// EpochsMarkedFaulty counts epochs written with valid=false from the
	// historical catch-up branch.
	EpochsMarkedFaulty = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "epochs_marked_faulty_total",
		Help:      "Epochs written as faulty because no quorum was reached.",
	})

	// PhaseLatency observes wall-clock seconds spent in each state-machine
	// phase, labeled by stage name.
	PhaseLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "phase_latency_seconds",
		Help:      "Wall-clock time spent in each consensus phase.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage"})

	// MedianErrorMargin observes the advisory-only |local - median| gap
	// computed in S3; it never gates a transition (see DESIGN.md Open
	// Question 3).
	MedianErrorMargin = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "median_error_margin",
		Help:      "Advisory |local observation - computed median| gap in S3.",
		Buckets:   prometheus.LinearBuckets(0, 16, 16),
	})
)
