package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SignalsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mendline",
		Name:      "signals_ingested_total",
		Help:      "Signals accepted by ingest, by source and whether they were duplicates.",
	}, []string{"source", "duplicate"})

	PatternsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mendline",
		Name:      "patterns_detected_total",
		Help:      "Patterns emitted by observer cycles.",
	})

	ReasonerOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mendline",
		Name:      "reasoner_outcomes_total",
		Help:      "Reasoner results by strategy and outcome.",
	}, []string{"strategy", "outcome"})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mendline",
		Name:      "transitions_total",
		Help:      "Committed status transitions by entity and target status.",
	}, []string{"entity", "to"})

	StepAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mendline",
		Name:      "step_attempts_total",
		Help:      "Target invocations by action type and result.",
	}, []string{"action", "result"})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mendline",
		Name:      "agent_cycle_seconds",
		Help:      "Wall time of one observe-reason-decide pass.",
		Buckets:   prometheus.DefBuckets,
	})

	BusDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mendline",
		Name:      "bus_dropped_total",
		Help:      "Events not delivered because a subscriber was full.",
	})

	AuditRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mendline",
		Name:      "audit_retries_total",
		Help:      "Transactions retried after an audit write failure.",
	})
)
