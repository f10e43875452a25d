// Package scheduler implements the periodic tick loop (spec §4.5) that
// turns due WaterEvents into pump.Jobs. It holds no actuation logic of
// its own — a tick only ever reads a ConfigStore snapshot, computes
// firings with schedule.Calculator, and submits to the pump executors
// the Supervisor owns.
package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/goatboynz/pro-irrigation-addon/internal/clock"
	"github.com/goatboynz/pro-irrigation-addon/internal/configstore"
	"github.com/goatboynz/pro-irrigation-addon/internal/observability"
	"github.com/goatboynz/pro-irrigation-addon/internal/pump"
	"github.com/goatboynz/pro-irrigation-addon/internal/schedule"
)

// ExecutorRegistry resolves (and lazily creates, per spec §4.6) the
// Executor for a pump. Implemented by supervisor.Supervisor.
type ExecutorRegistry interface {
	ExecutorFor(pumpID string) (*pump.Executor, bool)
}

// Scheduler evaluates every enabled room/event on a fixed interval and
// submits jobs for whatever is due, deduplicated per calendar day.
type Scheduler struct {
	store     configstore.Store
	calc      *schedule.Calculator
	executors ExecutorRegistry
	clk       clock.Clock
	log       zerolog.Logger

	seen    map[string]struct{}
	seenDay time.Time // midnight of the day `seen` covers
}

// New creates a Scheduler. Settings (including schedulerIntervalSec) are
// read fresh from the store on every tick, so a live edit takes effect
// on the next tick without a restart.
func New(store configstore.Store, calc *schedule.Calculator, executors ExecutorRegistry, clk clock.Clock, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:     store,
		calc:      calc,
		executors: executors,
		clk:       clk,
		log:       log.With().Str("component", "scheduler").Logger(),
		seen:      make(map[string]struct{}),
	}
}

// Run ticks until ctx is cancelled. Every tick is aligned to the next
// exact multiple of schedulerIntervalSec (spec §4.5 step 1: ticks land on
// HH:MM:00-style boundaries), not to whatever instant Run happened to
// start at; the sleep to each boundary is interruptible both by ctx
// cancellation and by a config change notification from the store (spec
// §4.3: a change wakes the Scheduler to refresh its working set rather
// than waiting out the rest of the interval).
func (s *Scheduler) Run(ctx context.Context) {
	interval := time.Duration(configstore.DefaultSettings().SchedulerIntervalSec) * time.Second
	changes := s.store.Changes(ctx)

	for {
		if ctx.Err() != nil {
			return
		}

		if err := s.sleepUntilNextBoundaryOrChange(ctx, interval, changes); err != nil {
			return
		}

		start := s.clk.Now()
		// tick's own snapshot already carries the live settings, so reuse
		// its SchedulerIntervalSec for the next sleep instead of spending a
		// second store read just to learn the same value.
		if next := s.tick(ctx); next > 0 {
			interval = next
		}
		observability.SchedulerTickDuration.Observe(s.clk.Now().Sub(start).Seconds())
	}
}

// sleepUntilNextBoundaryOrChange sleeps until the next wall-clock instant
// that is an exact multiple of interval, or returns early the moment a
// value arrives on changes. interval divides evenly into the standard
// boundaries (seconds, minutes, hours) this core runs at, so Truncate's
// epoch-aligned rounding lands exactly on HH:MM:00-style marks rather
// than an arbitrary phase.
func (s *Scheduler) sleepUntilNextBoundaryOrChange(ctx context.Context, interval time.Duration, changes <-chan struct{}) error {
	now := s.clk.Now()
	next := now.Truncate(interval)
	if next.Before(now) {
		// now isn't itself a boundary: advance to the next one. If now is
		// already exactly on a boundary (e.g. Run started at HH:MM:00),
		// next stays equal to now and the sleep below is a zero-duration
		// no-op, ticking immediately instead of waiting a whole extra
		// interval and missing a firing whose due window closes exactly
		// at that boundary.
		next = next.Add(interval)
	}

	sleepCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- s.clk.Sleep(sleepCtx, next.Sub(now)) }()

	select {
	case err := <-errCh:
		return err
	case <-changes:
		cancel()
		<-errCh // drain so the goroutine above never leaks
		// changes closes (rather than sends) once ctx is done, so a
		// receive here doesn't necessarily mean a real config change.
		return ctx.Err()
	}
}


// firing is one due (event, zone) pair awaiting submission, carrying the
// ordering fields spec §5.3 requires for same-tick determinism.
type firing struct {
	scheduledFor time.Time
	eventID      string
	zoneID       string
	job          *pump.Job
}

// tick runs one pass over the current config snapshot and returns the
// snapshot's SchedulerIntervalSec (as a Duration) for the caller to use
// as the next sleep interval, or 0 if the snapshot couldn't be read.
func (s *Scheduler) tick(ctx context.Context) time.Duration {
	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("scheduler: failed to snapshot config, skipping tick")
		return 0
	}

	now := s.clk.Now()
	s.rolloverIfNeeded(now)

	var due []firing
	for _, room := range snap.Rooms {
		if !room.Enabled {
			continue
		}
		for _, event := range snap.EventsByRoom(room.ID) {
			if !event.Enabled {
				continue
			}
			due = append(due, s.dueFirings(ctx, snap, room, event, now)...)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		if !due[i].scheduledFor.Equal(due[j].scheduledFor) {
			return due[i].scheduledFor.Before(due[j].scheduledFor)
		}
		if due[i].eventID != due[j].eventID {
			return due[i].eventID < due[j].eventID
		}
		return due[i].zoneID < due[j].zoneID
	})

	observability.SchedulerDedupSetSize.Set(float64(len(s.seen)))

	for _, f := range due {
		exec, ok := s.executors.ExecutorFor(f.job.PumpID)
		if !ok {
			s.log.Error().Str("pump_id", f.job.PumpID).Msg("scheduler: no executor available for pump")
			continue
		}
		if !exec.Submit(f.job) {
			observability.SchedulerDroppedSubmissions.WithLabelValues(f.job.PumpID).Inc()
			s.log.Warn().Str("event_id", f.eventID).Str("zone_id", f.zoneID).Str("pump_id", f.job.PumpID).
				Msg("scheduler: pump queue full, dropping scheduled job")
		}
	}

	return time.Duration(snap.Settings.SchedulerIntervalSec) * time.Second
}

// dueFirings computes the firings of one event, filters to what is due
// right now, marks each as seen in the per-day dedup set, and expands
// every still-unseen firing across the event's assigned, enabled zones.
func (s *Scheduler) dueFirings(ctx context.Context, snap configstore.Snapshot, room configstore.Room, event configstore.WaterEvent, now time.Time) []firing {
	var out []firing
	windowSec := snap.Settings.SchedulerIntervalSec

	for _, t := range s.calc.NextFiringsToday(ctx, event, room, now) {
		if !schedule.IsDue(t, now, windowSec) {
			continue
		}
		key := schedule.FiringKey(event.ID, t)
		if _, ok := s.seen[key]; ok {
			continue
		}
		s.seen[key] = struct{}{}

		for _, zoneID := range event.AssignedZoneIDs {
			zone, ok := snap.Zones[zoneID]
			if !ok || !zone.Enabled {
				continue
			}
			p, ok := snap.Pumps[zone.PumpID]
			if !ok || !p.Enabled {
				continue
			}
			out = append(out, firing{
				scheduledFor: t,
				eventID:      event.ID,
				zoneID:       zone.ID,
				job: &pump.Job{
					JobID:        newJobID(event.ID, zone.ID, t),
					PumpID:       p.ID,
					LockRef:      p.LockRef,
					ZoneID:       zone.ID,
					ZoneName:     zone.Name,
					SwitchRef:    zone.SwitchRef,
					RunSeconds:   event.RunSeconds,
					Origin:       pump.OriginScheduled,
					ScheduledFor: t,
					EventID:      event.ID,
				},
			})
		}
	}
	return out
}

// rolloverIfNeeded clears the dedup set once the local calendar day
// changes, per spec §4.4's edge policy on day boundaries.
func (s *Scheduler) rolloverIfNeeded(now time.Time) {
	y, m, d := now.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	if s.seenDay.Equal(midnight) {
		return
	}
	s.seenDay = midnight
	s.seen = make(map[string]struct{})
}

// newJobID derives a deterministic id from the firing identity rather
// than a random uuid, so a duplicate submission of the same firing
// (which dedup should already prevent) is at least traceable back to its
// source event instead of minting an unrelated-looking id.
func newJobID(eventID, zoneID string, firing time.Time) string {
	return eventID + "/" + zoneID + "@" + firing.Format("20060102T150405")
}
