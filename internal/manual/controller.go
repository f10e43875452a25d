// Package manual implements ManualController (spec §4.7): the synchronous
// path for ad-hoc zone runs and emergency pump stops, sharing the same
// per-pump queues and invariants as scheduled jobs.
package manual

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/goatboynz/pro-irrigation-addon/internal/configstore"
	"github.com/goatboynz/pro-irrigation-addon/internal/pump"
)

// Errors returned by Controller, matching spec §6's ManualController surface.
var (
	ErrZoneNotFound       = fmt.Errorf("zone not found")
	ErrPumpNotFound       = fmt.Errorf("pump not found")
	ErrDurationInvalid    = fmt.Errorf("duration must be > 0")
	ErrExecutorUnavailable = fmt.Errorf("executor unavailable")
)

// ExecutorRegistry resolves the Executor owning a given pump and can
// trigger its per-pump cancellation. Implemented by supervisor.Supervisor.
type ExecutorRegistry interface {
	ExecutorFor(pumpID string) (*pump.Executor, bool)
	CancelPump(pumpID string) error
}

// Controller exposes runZone and stopPump to the surrounding CRUD layer.
// Manual jobs ignore the enabled flag on zones/pumps (spec invariant 5)
// but otherwise obey the same mutual-exclusion and FIFO-ordering
// invariants as scheduled jobs: submission goes through the same
// Executor.Submit used by the Scheduler, so there is no separate manual
// code path inside pump.
type Controller struct {
	store     configstore.Store
	executors ExecutorRegistry
	log       zerolog.Logger
}

// New creates a Controller.
func New(store configstore.Store, executors ExecutorRegistry, log zerolog.Logger) *Controller {
	return &Controller{store: store, executors: executors, log: log}
}

// RunZone resolves zoneID's pump, builds a manual Job, and submits it to
// that pump's executor. It returns the generated job id without waiting
// for the job to run (spec §4.7).
func (c *Controller) RunZone(ctx context.Context, zoneID string, durationSec int) (string, error) {
	if durationSec <= 0 {
		return "", ErrDurationInvalid
	}

	snap, err := c.store.Snapshot(ctx)
	if err != nil {
		return "", fmt.Errorf("manual: snapshot: %w", err)
	}

	zone, ok := snap.Zones[zoneID]
	if !ok {
		return "", ErrZoneNotFound
	}
	p, ok := snap.Pumps[zone.PumpID]
	if !ok {
		return "", ErrPumpNotFound
	}

	exec, ok := c.executors.ExecutorFor(p.ID)
	if !ok {
		return "", ErrExecutorUnavailable
	}

	jobID := uuid.NewString()
	job := &pump.Job{
		JobID:      jobID,
		PumpID:     p.ID,
		LockRef:    p.LockRef,
		ZoneID:     zone.ID,
		ZoneName:   zone.Name,
		SwitchRef:  zone.SwitchRef,
		RunSeconds: durationSec,
		Origin:     pump.OriginManual,
	}

	if !exec.Submit(job) {
		c.log.Warn().Str("zone_id", zoneID).Str("pump_id", p.ID).Msg("manual: pump queue full, rejecting run")
		return "", ErrExecutorUnavailable
	}

	c.log.Info().Str("job_id", jobID).Str("zone_id", zoneID).Int("duration_sec", durationSec).Msg("manual: zone run submitted")
	return jobID, nil
}

// StopPump triggers per-pump cancellation (spec §4.6): every pending job
// is dropped and any in-flight job is truncated to its shutdown path.
// Granularity is per-pump; there is no per-job cancel (spec §4.6).
func (c *Controller) StopPump(pumpID string) error {
	snap, err := c.store.Snapshot(context.Background())
	if err != nil {
		return fmt.Errorf("manual: snapshot: %w", err)
	}
	if _, ok := snap.Pumps[pumpID]; !ok {
		return ErrPumpNotFound
	}
	if _, ok := c.executors.ExecutorFor(pumpID); !ok {
		return ErrExecutorUnavailable
	}
	return c.executors.CancelPump(pumpID)
}
