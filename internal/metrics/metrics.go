// Package metrics exposes the agent's Prometheus instruments.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AnswerSaves counts per-record answer pushes by result
	// (saved, retryable, deadline, blocking, rejected, empty).
	AnswerSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exstem_agent_answer_saves_total",
		Help: "Answer save attempts by result",
	}, []string{"result"})

	// AutosaveCycles counts autosave cycles by trigger and outcome.
	AutosaveCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exstem_agent_autosave_cycles_total",
		Help: "Autosave cycles by trigger and outcome",
	}, []string{"trigger", "outcome"})

	// OfflineAnswers tracks how many answers sit in the offline queue.
	OfflineAnswers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exstem_agent_offline_answers",
		Help: "Answers waiting in the offline queue",
	})

	// Violations counts classified violations by type.
	Violations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exstem_agent_violations_total",
		Help: "Classified proctoring violations by type",
	}, []string{"type"})

	// ViolationDeliveries counts delivery attempts by result
	// (delivered, failed, refused).
	ViolationDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exstem_agent_violation_deliveries_total",
		Help: "Violation delivery attempts by result",
	}, []string{"result"})

	// Submissions counts submit attempts by reason and result.
	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exstem_agent_submissions_total",
		Help: "Submit attempts by reason and result",
	}, []string{"reason", "result"})

	// RemainingSeconds is the attempt's remaining time.
	RemainingSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exstem_agent_remaining_seconds",
		Help: "Seconds left before the attempt expires",
	})

	// RemoteLatency observes assessment API round trips.
	RemoteLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exstem_agent_remote_request_duration_seconds",
		Help:    "Assessment API request duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"op"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
