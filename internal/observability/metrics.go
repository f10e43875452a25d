// Package observability exposes the core's internal state as Prometheus
// metrics, the scrapeable half of the read-only status projection
// described in spec §9.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PumpQueueDepth tracks pending jobs per pump.
	PumpQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "irrigation_pump_queue_depth",
		Help: "Number of jobs pending in a pump's queue",
	}, []string{"pump_id"})

	// PumpActive is 1 while a pump has a running job, 0 otherwise.
	PumpActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "irrigation_pump_active",
		Help: "1 if the pump currently has a running job",
	}, []string{"pump_id"})

	// JobDuration tracks end-to-end job wall time, from submission to the
	// job's terminal state (completed, failed or cancelled).
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "irrigation_job_duration_seconds",
		Help:    "Duration of a job from submission to its terminal state",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"pump_id", "origin"})

	// JobOutcomes counts terminal job states.
	JobOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "irrigation_job_outcomes_total",
		Help: "Total jobs reaching each terminal state",
	}, []string{"pump_id", "outcome"})

	// SchedulerTickDuration tracks one evaluate-all-events tick.
	SchedulerTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "irrigation_scheduler_tick_duration_seconds",
		Help:    "Duration of one scheduler tick",
		Buckets: prometheus.DefBuckets,
	})

	// SchedulerDedupSetSize tracks the per-day firing-key dedup set.
	SchedulerDedupSetSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "irrigation_scheduler_dedup_set_size",
		Help: "Number of firing keys recorded so far today",
	})

	// SchedulerDroppedSubmissions counts jobs dropped because a pump's
	// submission channel was full (spec §4.5 step 3).
	SchedulerDroppedSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "irrigation_scheduler_dropped_submissions_total",
		Help: "Jobs dropped at submission because the pump queue was full",
	}, []string{"pump_id"})

	// StuckLockEvents counts forced lock resets (spec §4.6 step 2).
	StuckLockEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "irrigation_stuck_lock_events_total",
		Help: "Number of times a pump lock was force-reset after timing out",
	}, []string{"pump_id"})

	// HostClientRetries counts retry attempts per host operation.
	HostClientRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "irrigation_hostclient_retries_total",
		Help: "Number of retry attempts made against the host API",
	}, []string{"op"})

	// CircuitBreakerState exposes the per-pump breaker state (0=closed,
	// 1=half-open, 2=open) as a gauge for dashboards.
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "irrigation_pump_circuit_state",
		Help: "Per-pump circuit breaker state (0=closed, 1=half_open, 2=open)",
	}, []string{"pump_id"})
)
