package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Job outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// Provider attempt outcome labels.
const (
	AttemptAccepted      = "accepted"
	AttemptLowConfidence = "low_confidence"
	AttemptTimeout       = "timeout"
	AttemptTransport     = "transport_error"
	AttemptMalformed     = "malformed"
	AttemptRejected      = "rejected"
	AttemptUnconfigured  = "unconfigured"
)

var (
	diagnosesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "errordiag",
			Name:      "diagnoses_total",
			Help:      "Completed diagnoses, partitioned by provenance (signature, llm, unresolved).",
		},
		[]string{"provenance"},
	)

	diagnosisDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "errordiag",
			Name:      "diagnosis_seconds",
			Help:      "End-to-end diagnosis latency in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
		},
	)

	providerAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "errordiag",
			Name:      "provider_attempts_total",
			Help:      "LLM provider attempts, partitioned by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "errordiag",
			Name:      "jobs_total",
			Help:      "Queue jobs handled, partitioned by outcome.",
		},
		[]string{"outcome"},
	)
)

// Register attaches errordiag collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		diagnosesTotal,
		diagnosisDurationSeconds,
		providerAttemptsTotal,
		jobsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveDiagnosis records a finished diagnosis. "llm:groq" is counted as "llm"
// to keep label cardinality bounded by the provenance kinds.
func ObserveDiagnosis(duration time.Duration, provenance string) {
	label := provenance
	if i := strings.IndexByte(label, ':'); i > 0 {
		label = label[:i]
	}
	diagnosesTotal.WithLabelValues(label).Inc()
	if duration < 0 {
		duration = 0
	}
	diagnosisDurationSeconds.Observe(duration.Seconds())
}

// ObserveProviderAttempt records one provider attempt.
func ObserveProviderAttempt(provider, outcome string) {
	providerAttemptsTotal.WithLabelValues(provider, outcome).Inc()
}

// ObserveJob records a queue job outcome.
func ObserveJob(outcome string) {
	jobsTotal.WithLabelValues(outcome).Inc()
}
