// Package metrics exposes Prometheus collectors for the capture service.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	captureJobsSubmittedTotal *prometheus.CounterVec
	captureJobsDeletedTotal   *prometheus.CounterVec
	relaySessionsTotal        *prometheus.CounterVec
	relayPollFailuresTotal    prometheus.Counter
	reaperSweptTotal          *prometheus.CounterVec
	reaperSweepErrorsTotal    prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		captureJobsSubmittedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_jobs_submitted_total",
				Help: "Total capture job submissions, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		captureJobsDeletedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_jobs_deleted_total",
				Help: "Total capture job deletions, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		relaySessionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_relay_sessions_total",
				Help: "Total relay sessions, labeled by result.",
			},
			[]string{"result"},
		)

		relayPollFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "capture_relay_poll_failures_total",
				Help: "Total failed polls of worker status endpoints.",
			},
		)

		reaperSweptTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_reaper_swept_total",
				Help: "Total resources reclaimed by the reaper, labeled by resource kind.",
			},
			[]string{"resource"},
		)

		reaperSweepErrorsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "capture_reaper_sweep_errors_total",
				Help: "Total non-fatal errors encountered during reaper sweeps.",
			},
		)
	})
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// JobSubmitted records a job submission outcome ("ok" or "error").
func JobSubmitted(outcome string) {
	if captureJobsSubmittedTotal != nil {
		captureJobsSubmittedTotal.WithLabelValues(outcome).Inc()
	}
}

// JobDeleted records a job deletion outcome ("ok", "refused", "not_found", "error").
func JobDeleted(outcome string) {
	if captureJobsDeletedTotal != nil {
		captureJobsDeletedTotal.WithLabelValues(outcome).Inc()
	}
}

// RelaySession records a finished relay session result.
func RelaySession(result string) {
	if relaySessionsTotal != nil {
		relaySessionsTotal.WithLabelValues(result).Inc()
	}
}

// RelayPollFailure records one failed worker status poll.
func RelayPollFailure() {
	if relayPollFailuresTotal != nil {
		relayPollFailuresTotal.Inc()
	}
}

// ReaperSwept records one reclaimed resource ("job", "pod", "object").
func ReaperSwept(resource string) {
	if reaperSweptTotal != nil {
		reaperSweptTotal.WithLabelValues(resource).Inc()
	}
}

// ReaperSweepError records one non-fatal sweep error.
func ReaperSweepError() {
	if reaperSweepErrorsTotal != nil {
		reaperSweepErrorsTotal.Inc()
	}
}
