// Package metrics регистрирует метрики Prometheus планировщика и продления подписок.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Значения метки result для сработавших задач.
const (
	ResultSucceeded = "succeeded"
	ResultFailed    = "failed"
	ResultSkipped   = "skipped"
	ResultUnknown   = "unknown_kind"
)

var (
	JobsScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "expiry_jobs_scheduled_total",
			Help: "Total number of expiry jobs scheduled or replaced",
		},
	)

	JobsFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "expiry_jobs_fired_total",
			Help: "Total number of jobs executed by the scheduler",
		},
		[]string{"result"},
	)

	JobsMisfired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "expiry_jobs_misfired_total",
			Help: "Total number of jobs dropped because they were too late to run",
		},
	)

	JobsCancelled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "expiry_jobs_cancelled_total",
			Help: "Total number of pending jobs cancelled",
		},
	)

	StepFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "expiry_step_failures_total",
			Help: "Total number of failed expiry action steps",
		},
		[]string{"step"},
	)

	Extensions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlement_extensions_total",
			Help: "Total number of entitlement extensions",
		},
		[]string{"tier", "term"},
	)

	PaymentEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_events_total",
			Help: "Total number of payment confirmations processed",
		},
		[]string{"result"},
	)

	JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "expiry_job_duration_seconds",
			Help:    "Duration of scheduled job execution in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)
