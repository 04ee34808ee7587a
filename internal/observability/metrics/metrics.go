// Package metrics exposes prometheus instrumentation for the billing core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	webhookEvents   *prometheus.CounterVec
	queueJobs       *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
	jobDuration     *prometheus.HistogramVec
	deductions      *prometheus.CounterVec
	rateLimitDenied *prometheus.CounterVec
}

// New registers the billing metrics on the default registerer.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the billing metrics on reg; tests pass a private registry.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		webhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "craft_webhook_events_total",
			Help: "Inbound webhook events by provider, type and outcome.",
		}, []string{"provider", "event_type", "outcome"}),
		queueJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "craft_webhook_queue_jobs_total",
			Help: "Webhook queue job completions by outcome.",
		}, []string{"outcome"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "craft_webhook_queue_depth",
			Help: "Current webhook queue depth by state.",
		}, []string{"state"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "craft_scheduler_job_duration_seconds",
			Help:    "Cron job wall time by job name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		deductions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "craft_credit_deductions_total",
			Help: "Balance deduction attempts by outcome.",
		}, []string{"outcome"}),
		rateLimitDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "craft_rate_limit_denied_total",
			Help: "Requests denied by the rate limiter, per limiter name.",
		}, []string{"limiter"}),
	}
}

func (m *Metrics) RecordWebhookEvent(provider, eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(provider, eventType, outcome).Inc()
}

func (m *Metrics) RecordQueueJob(outcome string) {
	if m == nil {
		return
	}
	m.queueJobs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetQueueDepth(state string, depth float64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(state).Set(depth)
}

func (m *Metrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *Metrics) RecordDeduction(outcome string) {
	if m == nil {
		return
	}
	m.deductions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordRateLimitDenied(limiter string) {
	if m == nil {
		return
	}
	m.rateLimitDenied.WithLabelValues(limiter).Inc()
}

const (
	OutcomeAccepted  = "accepted"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeAllowed   = "allowed"
	OutcomeDenied    = "insufficient_balance"
)
