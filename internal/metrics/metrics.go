// Package metrics holds the relay's prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "silo_dispatch"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	AgentRegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_registrations_total",
			Help:      "Agent registrations by outcome.",
		},
		[]string{"outcome"},
	)

	PrekeyRotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prekey_rotations_total",
			Help:      "Prekey uploads by outcome.",
		},
		[]string{"outcome"},
	)

	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Sealed jobs accepted from operators, by outcome.",
		},
		[]string{"outcome"},
	)

	JobsClaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_claimed_total",
			Help:      "Jobs handed to polling agents, including re-deliveries.",
		},
	)

	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Result submissions by outcome.",
		},
		[]string{"outcome"},
	)

	JobsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_rejected_total",
			Help:      "Jobs refused by their agent, by outcome.",
		},
		[]string{"outcome"},
	)

	JobsPurgedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_purged_total",
			Help:      "Completed or rejected jobs removed after the retention period.",
		},
	)

	PollsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Agent poll requests.",
		},
	)
)

func MustRegister() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		AgentRegistrationsTotal,
		PrekeyRotationsTotal,
		JobsSubmittedTotal,
		JobsClaimedTotal,
		JobsCompletedTotal,
		JobsRejectedTotal,
		JobsPurgedTotal,
		PollsTotal,
	)
}

func Outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
