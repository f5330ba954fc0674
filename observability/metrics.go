package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Verifier outcomes recorded in VerifierOutcomesTotal.
const (
	OutcomeEvidence = "evidence"
	OutcomeNone     = "none"
	OutcomeRevoked  = "revoked"
	OutcomeError    = "error"
)

var (
	// VerifierOutcomesTotal counts trust-chain node results by verifier and outcome.
	VerifierOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gopdfsig_verifier_outcomes_total",
			Help: "Trust chain verifier results by verifier and outcome",
		},
		[]string{"verifier", "outcome"},
	)

	// FetchDuration tracks revocation and timestamp fetch latency in seconds.
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gopdfsig_fetch_duration_seconds",
			Help:    "Duration of CRL, OCSP and TSA fetches in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"kind"},
	)

	// FetchFailuresTotal counts failed fetches by kind.
	FetchFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gopdfsig_fetch_failures_total",
			Help: "Failed CRL, OCSP and TSA fetches",
		},
		[]string{"kind"},
	)

	// SignaturesTotal counts signing attempts by subfilter and status.
	SignaturesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gopdfsig_signatures_total",
			Help: "Signing attempts by subfilter and status",
		},
		[]string{"subfilter", "status"},
	)

	// RevisionsValidatedTotal counts revisions processed by the LTV walker.
	RevisionsValidatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gopdfsig_ltv_revisions_validated_total",
			Help: "Document revisions validated by the LTV walker",
		},
	)
)

// RecordVerifierOutcome increments the outcome counter for a verifier.
func RecordVerifierOutcome(verifier, outcome string) {
	VerifierOutcomesTotal.WithLabelValues(verifier, outcome).Inc()
}
