// Package metrics defines the Prometheus collectors for the council service.
// Collectors register on the default registry; expose them with Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsStarted counts deliberations accepted over any transport.
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "council",
		Name:      "sessions_started_total",
		Help:      "Number of deliberation sessions started.",
	})

	// SessionsFinished counts terminal session outcomes.
	SessionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "council",
		Name:      "sessions_finished_total",
		Help:      "Number of deliberation sessions finished, by outcome.",
	}, []string{"outcome"})

	// ActiveSessions tracks deliberations currently in flight.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "council",
		Name:      "active_sessions",
		Help:      "Number of deliberation sessions currently running.",
	})

	// StageDuration observes wall time per pipeline stage.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "council",
		Name:      "stage_duration_seconds",
		Help:      "Wall time spent in each deliberation stage.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
	}, []string{"stage"})

	// MemberQueries counts model calls by member and outcome.
	MemberQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "council",
		Name:      "member_queries_total",
		Help:      "Number of model calls issued, by member and outcome.",
	}, []string{"member", "outcome"})

	// MemberLatency observes model call latency by member.
	MemberLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "council",
		Name:      "member_latency_seconds",
		Help:      "Model call latency, by member.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"member"})
)

// Session outcome label values.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeAborted   = "aborted"
)

// Member query outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
