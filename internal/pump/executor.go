package pump

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/goatboynz/pro-irrigation-addon/internal/clock"
	"github.com/goatboynz/pro-irrigation-addon/internal/configstore"
	"github.com/goatboynz/pro-irrigation-addon/internal/errs"
	"github.com/goatboynz/pro-irrigation-addon/internal/hostclient"
	"github.com/goatboynz/pro-irrigation-addon/internal/observability"
	"github.com/goatboynz/pro-irrigation-addon/internal/timeline"
)

const (
	defaultQueueCapacity = 256
	lockPollInterval     = 5 * time.Second
	breakerFailThreshold = 3
	breakerCooldown      = 30 * time.Second
)

// SettingsFunc returns the current tunables (spec §3's SystemSettings
// singleton), read fresh at the start of each job so a live settings edit
// takes effect on the next job without restarting the executor.
type SettingsFunc func() configstore.Settings

// Executor is the per-pump FIFO queue and execution loop (spec §4.6): the
// sole writer of its pump's lock entity, and the only place zone switches
// are ever energized.
type Executor struct {
	pumpID   string
	client   hostclient.Client
	clk      clock.Clock
	settings SettingsFunc
	log      zerolog.Logger
	tl       *timeline.Store

	queue   *fifo
	notify  chan struct{}
	breaker *circuitBreaker
	status  *statusBox

	mu      sync.Mutex
	current *Job

	wmu        sync.Mutex
	workCancel context.CancelFunc

	done chan struct{}
}

// NewExecutor creates an idle Executor for one pump. Call Run to start its
// execution loop; it does nothing until then.
func NewExecutor(pumpID string, client hostclient.Client, clk clock.Clock, settings SettingsFunc, log zerolog.Logger, tl *timeline.Store) *Executor {
	return &Executor{
		pumpID:   pumpID,
		client:   client,
		clk:      clk,
		settings: settings,
		log:      log.With().Str("pump_id", pumpID).Logger(),
		tl:       tl,
		queue:    newFIFO(defaultQueueCapacity),
		notify:   make(chan struct{}, 1),
		breaker:  newCircuitBreaker(breakerFailThreshold, breakerCooldown),
		status:   newStatusBox(),
		done:     make(chan struct{}),
	}
}

// Submit appends job to the queue in arrival order (spec §4.6). Returns
// false, without blocking, if the queue is at capacity — the caller is
// responsible for logging and treating this as a configuration error
// (spec §4.5).
func (e *Executor) Submit(job *Job) bool {
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = e.clk.Now()
	}
	if !e.queue.push(job) {
		return false
	}
	e.refreshQueueStatus()
	select {
	case e.notify <- struct{}{}:
	default:
	}
	return true
}

// Status returns the current read-only status projection (spec §9).
func (e *Executor) Status() Status {
	return e.status.get()
}

// Done closes once the executor's Run loop has returned.
func (e *Executor) Done() <-chan struct{} {
	return e.done
}

// Run drives the execution loop until ctx is cancelled; that is the
// supervisor's lifetime root and ending it retires this executor for
// good. CancelPump is a lesser, per-pump cut-short: it drops whatever is
// pending and truncates an in-flight job to its shutdown path, but Run
// keeps serving future submissions afterward (spec §4.6/§4.7: stopPump
// is not a permanent shutdown of the pump).
func (e *Executor) Run(ctx context.Context) {
	defer close(e.done)
	for {
		if ctx.Err() != nil {
			e.dropPending()
			return
		}

		select {
		case <-ctx.Done():
			e.dropPending()
			return
		case <-e.notify:
		}

		// workCancel is only live from here to the end of processQueue:
		// setting it any earlier would let a CancelPump() call made while
		// idle pre-cancel the context of the very next job it has nothing
		// to do with, instead of being the documented no-op.
		workCtx, cancel := context.WithCancel(ctx)
		e.setWorkCancel(cancel)
		e.processQueue(workCtx)
		cancel()
		e.setWorkCancel(nil)
	}
}

// processQueue drains the queue against workCtx. workCtx ends either
// because the supervisor's root ctx was cancelled (permanent) or because
// CancelPump cancelled just this generation (temporary) — the caller,
// Run, tells the two apart by checking the outer ctx afterward.
func (e *Executor) processQueue(workCtx context.Context) {
	for {
		if workCtx.Err() != nil {
			e.dropPending()
			return
		}
		peeked := e.queue.peek()
		if peeked == nil {
			return
		}
		if !e.ensureLockFree(workCtx, peeked) {
			e.dropPending()
			return
		}
		job := e.queue.pop()
		if job == nil {
			continue
		}
		e.refreshQueueStatus()

		if !e.breakerAllow(e.clk.Now()) {
			e.log.Warn().Str("job_id", job.JobID).Msg("pump: circuit breaker open, failing job fast")
			e.recordTimeline(job, "CIRCUIT_OPEN_DROP", "")
			e.finish(job, StateFailed)
			continue
		}

		e.executeJobSafely(workCtx, job)
	}
}

// executeJobSafely isolates a panic inside executeJob to the failing
// job instead of crashing this pump's entire Run goroutine (spec §7:
// Internal "isolated to the failing worker").
func (e *Executor) executeJobSafely(ctx context.Context, job *Job) {
	defer func() {
		if r := recover(); r != nil {
			err := &errs.Internal{Detail: fmt.Sprintf("%v", r)}
			e.log.Error().Err(err).Str("job_id", job.JobID).Msg("pump: recovered panic executing job")
			e.recordTimeline(job, "PANIC_RECOVERED", err.Error())
			e.forceOff(job)
			e.breakerRecordFailure(e.clk.Now())
			e.finish(job, StateFailed)
		}
	}()
	e.executeJob(ctx, job)
}

// forceOff de-energizes a job's zone switch and releases its pump lock on
// a fresh background context, best-effort. A panic can strike at any point
// in executeJob, including after the switch has already been energized;
// without this, the recovered job leaves the zone running with no teardown
// ever scheduled to turn it back off.
func (e *Executor) forceOff(job *Job) {
	cleanupCtx := context.Background()
	if !e.client.SetBool(cleanupCtx, job.SwitchRef, false) {
		e.log.Error().Str("switch_ref", job.SwitchRef).Msg("pump: failed to de-energize zone switch after panic")
	}
	if !e.client.SetBool(cleanupCtx, job.LockRef, false) {
		e.log.Error().Str("lock_ref", job.LockRef).Msg("pump: failed to release pump lock after panic")
	}
}

// breakerAllow, breakerRecordFailure and breakerRecordSuccess wrap the
// circuit breaker's state transitions with a refresh of the scrapeable
// CircuitBreakerState gauge, so dashboards reflect the breaker the
// executor is actually driving.
func (e *Executor) breakerAllow(now time.Time) bool {
	allowed := e.breaker.allow(now)
	e.refreshBreakerMetric()
	return allowed
}

func (e *Executor) breakerRecordFailure(now time.Time) {
	e.breaker.recordFailure(now)
	e.refreshBreakerMetric()
}

func (e *Executor) breakerRecordSuccess(now time.Time) {
	e.breaker.recordSuccess(now)
	e.refreshBreakerMetric()
}

func (e *Executor) refreshBreakerMetric() {
	state, _ := e.breaker.snapshot()
	observability.CircuitBreakerState.WithLabelValues(e.pumpID).Set(breakerStateMetricValue(state))
}

// breakerStateMetricValue maps breakerState to the CircuitBreakerState
// gauge's documented encoding (0=closed, 1=half_open, 2=open), which does
// not match breakerState's own iota order.
func breakerStateMetricValue(s breakerState) float64 {
	switch s {
	case breakerHalfOpen:
		return 1
	case breakerOpen:
		return 2
	default:
		return 0
	}
}

func (e *Executor) setWorkCancel(cancel context.CancelFunc) {
	e.wmu.Lock()
	e.workCancel = cancel
	e.wmu.Unlock()
}

// CancelPump cuts short whatever generation of work is presently in
// flight: the current job's clock.Sleep wakes early and runs its
// teardown path, and anything still queued is dropped once processQueue
// notices workCtx is done. If the executor is idle when this is called
// there is nothing to cancel and it is a no-op (spec §4.6: granularity
// is per-pump, not per-job).
func (e *Executor) CancelPump() error {
	e.wmu.Lock()
	cancel := e.workCancel
	e.wmu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// dropPending discards everything still queued, per spec §4.6: "Per-pump
// cancel: drop all pending jobs."
func (e *Executor) dropPending() {
	dropped := e.queue.drain()
	if len(dropped) > 0 {
		e.log.Warn().Int("count", len(dropped)).Msg("pump: dropping pending jobs")
	}
	e.refreshQueueStatus()
}

// ensureLockFree implements spec §4.6 step 2: if the lock is observed on
// and the executor isn't the one holding it (which, between jobs, is
// always true), wait up to stuckLockTimeoutSec, re-reading every 5s, then
// force-reset. Returns false if ctx was cancelled while waiting. A read
// that fails outright (ok == false) is treated the same as "observed on":
// the lock's true state is unknown, and assuming it free would defeat the
// mutual-exclusion guarantee this function exists to enforce.
func (e *Executor) ensureLockFree(ctx context.Context, job *Job) bool {
	settings := e.settings()
	start := e.clk.Now()
	deadline := start.Add(time.Duration(settings.StuckLockTimeoutSec) * time.Second)

	for {
		if ctx.Err() != nil {
			return false
		}
		on, ok := e.client.ReadBool(ctx, job.LockRef)
		if ok && !on {
			return true
		}
		if !e.clk.Now().Before(deadline) {
			err := &errs.StuckLock{PumpID: e.pumpID, LockRef: job.LockRef, Held: e.clk.Now().Sub(start).String()}
			e.log.Warn().Err(err).Msg("pump: stuck lock timeout exceeded, forcing reset")
			if !e.client.SetBool(ctx, job.LockRef, false) {
				e.log.Error().Str("lock_ref", job.LockRef).Msg("pump: failed to force-reset stuck lock")
			}
			observability.StuckLockEvents.WithLabelValues(e.pumpID).Inc()
			e.recordTimeline(job, "STUCK_LOCK_RESET", err.Error())
			return true
		}
		if err := e.clk.Sleep(ctx, lockPollInterval); err != nil {
			return false
		}
	}
}

func (e *Executor) executeJob(ctx context.Context, job *Job) {
	e.setCurrent(job)
	e.recordTimeline(job, string(StateAcquiringLock), "")

	if !e.client.SetBool(ctx, job.LockRef, true) {
		if ctx.Err() != nil {
			e.finishCancelled(job, "lock acquisition interrupted")
		} else {
			e.breakerRecordFailure(e.clk.Now())
			e.finish(job, StateFailed)
		}
		return
	}

	settings := e.settings()
	e.updateRunningStatus(job, "")
	e.recordTimeline(job, string(StatePumpStartup), "")
	if err := e.clk.Sleep(ctx, time.Duration(settings.PumpStartupDelaySec)*time.Second); err != nil {
		e.teardown(job, false)
		return
	}

	e.recordTimeline(job, string(StateZoneOn), "")
	if !e.client.SetBool(ctx, job.SwitchRef, true) {
		cancelled := ctx.Err() != nil
		if !e.client.SetBool(context.Background(), job.LockRef, false) {
			e.log.Error().Str("lock_ref", job.LockRef).Msg("pump: failed to release lock after zone-on failure")
		}
		if !cancelled {
			// one incident, one failure recorded, even though it touched
			// both the zone switch and the lock release.
			e.breakerRecordFailure(e.clk.Now())
		}
		if cancelled {
			e.finishCancelled(job, "zone switch-on interrupted")
		} else {
			e.finish(job, StateFailed)
		}
		return
	}

	e.recordTimeline(job, string(StateRunning), "")
	e.updateRunningStatus(job, job.ZoneName)
	runErr := e.clk.Sleep(ctx, time.Duration(job.RunSeconds)*time.Second)
	e.teardown(job, runErr == nil)
}

// teardown always attempts both off-writes — zone switch then pump
// lock — even if one fails, satisfying the safe-shutdown property of
// spec §8. completedNormally selects the terminal state recorded.
func (e *Executor) teardown(job *Job, completedNormally bool) {
	cleanupCtx := context.Background()
	settings := e.settings()

	e.recordTimeline(job, string(StateZoneOff), "")
	zoneOK := e.client.SetBool(cleanupCtx, job.SwitchRef, false)
	if !zoneOK {
		e.log.Error().Str("switch_ref", job.SwitchRef).Msg("pump: failed to de-energize zone switch")
	}

	_ = e.clk.Sleep(context.Background(), time.Duration(settings.ZoneSwitchDelaySec)*time.Second)

	e.recordTimeline(job, string(StateReleasingLock), "")
	lockOK := e.client.SetBool(cleanupCtx, job.LockRef, false)
	if !lockOK {
		e.log.Error().Str("lock_ref", job.LockRef).Msg("pump: failed to release pump lock")
	}

	if zoneOK && lockOK {
		e.breakerRecordSuccess(e.clk.Now())
	} else {
		// one incident, one failure recorded, even when both off-writes fail.
		e.breakerRecordFailure(e.clk.Now())
	}

	if !completedNormally {
		e.finishCancelled(job, "job interrupted before completing its run duration")
		return
	}
	e.finish(job, StateCompleted)
}

// finishCancelled records the non-error Cancelled terminal state (spec
// §7: cancellation is an expected path, logged at info rather than as an
// error) and finishes the job as StateCancelled.
func (e *Executor) finishCancelled(job *Job, reason string) {
	err := &errs.Cancelled{Reason: reason}
	e.log.Info().Err(err).Str("job_id", job.JobID).Msg("pump: job cancelled")
	e.recordTimeline(job, "CANCELLED_REASON", err.Error())
	e.finish(job, StateCancelled)
}

func (e *Executor) finish(job *Job, outcome State) {
	elapsed := e.clk.Now().Sub(job.SubmittedAt).Seconds()
	observability.JobDuration.WithLabelValues(e.pumpID, string(job.Origin)).Observe(elapsed)
	observability.JobOutcomes.WithLabelValues(e.pumpID, string(outcome)).Inc()
	e.recordTimeline(job, string(outcome), "")

	errMsg := ""
	errAt := time.Time{}
	if outcome == StateFailed {
		errMsg = "job failed during host actuation"
		errAt = e.clk.Now()
	}

	e.clearCurrent()
	e.status.set(Status{
		Phase:       e.phaseAfterFinish(),
		QueueDepth:  e.queue.len(),
		LastError:   errMsg,
		LastErrorAt: errAt,
	})
	observability.PumpActive.WithLabelValues(e.pumpID).Set(0)
}

func (e *Executor) phaseAfterFinish() Phase {
	if e.queue.len() > 0 {
		return PhaseQueued
	}
	return PhaseIdle
}

func (e *Executor) setCurrent(job *Job) {
	e.mu.Lock()
	e.current = job
	e.mu.Unlock()
}

func (e *Executor) clearCurrent() {
	e.mu.Lock()
	e.current = nil
	e.mu.Unlock()
}

// updateRunningStatus marks the pump as running. runningZone is set once
// the zone switch is actually energized; before that (lock acquired,
// startup delay in progress) it is left blank, but the phase is already
// "running" since the pump is actuated either way.
func (e *Executor) updateRunningStatus(job *Job, runningZone string) {
	prev := e.status.get()
	e.status.set(Status{
		Phase:       PhaseRunning,
		QueueDepth:  e.queue.len(),
		ZoneName:    runningZone,
		LastError:   prev.LastError,
		LastErrorAt: prev.LastErrorAt,
	})
	observability.PumpActive.WithLabelValues(e.pumpID).Set(1)
}

func (e *Executor) refreshQueueStatus() {
	prev := e.status.get()
	phase := prev.Phase
	if phase != PhaseRunning {
		if e.queue.len() > 0 {
			phase = PhaseQueued
		} else {
			phase = PhaseIdle
		}
	}
	e.status.set(Status{
		Phase:       phase,
		QueueDepth:  e.queue.len(),
		ZoneName:    prev.ZoneName,
		LastError:   prev.LastError,
		LastErrorAt: prev.LastErrorAt,
	})
	observability.PumpQueueDepth.WithLabelValues(e.pumpID).Set(float64(e.queue.len()))
	active := 0.0
	if phase == PhaseRunning {
		active = 1.0
	}
	observability.PumpActive.WithLabelValues(e.pumpID).Set(active)
}

func (e *Executor) recordTimeline(job *Job, stage, detail string) {
	if e.tl == nil {
		return
	}
	e.tl.Record(timeline.Event{
		JobID:  job.JobID,
		PumpID: e.pumpID,
		ZoneID: job.ZoneID,
		Stage:  stage,
		Detail: detail,
	})
}

// CurrentJobID returns the id of the job presently executing, or "" if
// the pump is idle or only has queued work.
func (e *Executor) CurrentJobID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return ""
	}
	return e.current.JobID
}
