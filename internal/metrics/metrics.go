// Package metrics holds the prometheus collectors of perfscepter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "perfscepter"

var (
	// JobTransitions counts job state transitions by the state entered.
	JobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_transitions_total",
		Help:      "Number of job state transitions, by the state entered.",
	}, []string{"status"})

	// Executions counts finished quest executions.
	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executions_total",
		Help:      "Number of finished quest executions, by quest and outcome.",
	}, []string{"quest", "status"})

	// ExecutionRetries counts retried executions.
	ExecutionRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "execution_retries_total",
		Help:      "Number of transient execution failures which were retried, by quest.",
	}, []string{"quest"})

	// Comparisons counts verdicts reached when comparing two changes.
	Comparisons = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "comparisons_total",
		Help:      "Number of change comparisons, by mode and verdict.",
	}, []string{"mode", "verdict"})

	// DrivePasses records the duration of single job driving passes.
	DrivePasses = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "drive_pass_duration_seconds",
		Help:      "Duration of a single driving pass over one job.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// Promotions counts jobs started by the scheduler.
	Promotions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduler_promotions_total",
		Help:      "Number of jobs promoted from queued to running, by configuration.",
	}, []string{"configuration"})

	// Evictions counts queue entries dropped because their job could not be loaded.
	Evictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduler_evictions_total",
		Help:      "Number of queue entries evicted because their job could not be loaded.",
	}, []string{"configuration"})

	// QueueLength reports the number of entries per configuration queue after the last cycle.
	QueueLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "scheduler_queue_length",
		Help:      "Number of queued and running jobs per configuration after the last scheduling cycle.",
	}, []string{"configuration"})

	// FrozenJobs counts frozen jobs handled by the recovery sweep.
	FrozenJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frozen_jobs_total",
		Help:      "Number of frozen jobs found by the recovery sweep, by action taken.",
	}, []string{"action"})
)
