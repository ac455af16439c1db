package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total emails accepted by the provider",
		},
	)

	EmailFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_failures_total",
			Help: "Total per-recipient terminal failures",
		},
	)

	JobsEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_jobs_enqueued_total",
			Help: "Total jobs placed on the queue",
		},
	)

	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_jobs_processed_total",
			Help: "Jobs finished by terminal status",
		},
		[]string{"status"},
	)

	RateLimitDeferrals = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_rate_limit_deferrals_total",
			Help: "Jobs requeued because the send budget was exhausted",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "email_queue_depth",
			Help: "Immediately deliverable queue entries",
		},
	)
)

func Init() {
	prometheus.MustRegister(
		EmailsSent,
		EmailFailures,
		JobsEnqueued,
		JobsProcessed,
		RateLimitDeferrals,
		QueueDepth,
	)
}
