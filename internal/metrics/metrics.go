// Package metrics holds the Prometheus instruments for the registration pipeline.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels.
const (
	OutcomeConfirmed           = "confirmed"
	OutcomeSkipped             = "skipped"
	OutcomeFailed              = "failed"
	OutcomeTransient           = "transient"
	OutcomeConfirmationTimeout = "confirmation_timeout"
	OutcomeReverted            = "reverted"
	OutcomeFatal               = "fatal"
)

var (
	RegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fraudchain_registrations_total",
			Help: "Registration calls by outcome (confirmed, skipped, failed)",
		},
		[]string{"outcome"},
	)

	SkipsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fraudchain_registration_skips_total",
			Help: "Skipped registrations by reason",
		},
		[]string{"reason"},
	)

	SubmissionAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fraudchain_submission_attempts_total",
			Help: "Transaction submission attempts by outcome",
		},
		[]string{"outcome"},
	)

	ConfirmationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fraudchain_confirmation_duration_seconds",
			Help:    "Time from broadcast to observed inclusion",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
	)

	RegistrationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fraudchain_registration_duration_seconds",
			Help:    "End-to-end duration of registration calls",
			Buckets: prometheus.DefBuckets,
		},
	)

	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fraudchain_decisions_total",
			Help: "Scored decisions by label (secure, fraud)",
		},
		[]string{"label"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fraudchain_http_requests_total",
			Help: "HTTP requests by route and status code",
		},
		[]string{"route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fraudchain_http_request_duration_seconds",
			Help:    "Duration of HTTP requests by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

var registerOnce sync.Once

// Register registers all instruments with the default registry.
// Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(RegistrationsTotal)
		prometheus.MustRegister(SkipsTotal)
		prometheus.MustRegister(SubmissionAttemptsTotal)
		prometheus.MustRegister(ConfirmationDuration)
		prometheus.MustRegister(RegistrationDuration)
		prometheus.MustRegister(DecisionsTotal)
		prometheus.MustRegister(HTTPRequestsTotal)
		prometheus.MustRegister(HTTPRequestDuration)
	})
}
