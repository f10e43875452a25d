// Package supervisor owns the lifecycle of everything below the wire
// protocol: the Scheduler, one pump.Executor per pump (created lazily on
// first job, spec §4.6), and the aggregated status/timeline views the
// surrounding CRUD layer polls (SPEC_FULL supplemented feature 1).
package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/goatboynz/pro-irrigation-addon/internal/clock"
	"github.com/goatboynz/pro-irrigation-addon/internal/configstore"
	"github.com/goatboynz/pro-irrigation-addon/internal/hostclient"
	"github.com/goatboynz/pro-irrigation-addon/internal/pump"
	"github.com/goatboynz/pro-irrigation-addon/internal/schedule"
	"github.com/goatboynz/pro-irrigation-addon/internal/scheduler"
	"github.com/goatboynz/pro-irrigation-addon/internal/timeline"
)

// PumpStatus pairs a pump's id with its current status projection.
type PumpStatus struct {
	PumpID string
	pump.Status
}

// Supervisor is the single owner of the core's background goroutines. It
// implements both scheduler.ExecutorRegistry and manual.ExecutorRegistry
// structurally, so the Scheduler and the ManualController share exactly
// the set of executors it creates.
type Supervisor struct {
	store  configstore.Store
	client hostclient.Client
	clk    clock.Clock
	log    zerolog.Logger
	tl     *timeline.Store
	sched  *scheduler.Scheduler

	mu          sync.Mutex
	executors   map[string]*pump.Executor
	rootCtx     context.Context
	lastKnown   configstore.Settings
	lastKnownOK bool

	wg sync.WaitGroup
}

// New wires a Supervisor together. store, client and clk are shared by
// every executor the Supervisor lazily creates; tl is the shared
// timeline all of them append to.
func New(store configstore.Store, client hostclient.Client, clk clock.Clock, log zerolog.Logger, tl *timeline.Store) *Supervisor {
	sv := &Supervisor{
		store:     store,
		client:    client,
		clk:       clk,
		log:       log.With().Str("component", "supervisor").Logger(),
		tl:        tl,
		executors: make(map[string]*pump.Executor),
		lastKnown: configstore.DefaultSettings(),
	}
	calc := schedule.New(client, log)
	sv.sched = scheduler.New(store, calc, sv, clk, log)
	return sv
}

// Start begins the scheduler loop and begins accepting lazy executor
// creation. ctx is the supervisor's lifetime root: cancelling it retires
// every executor permanently (spec §4.6's cancellation semantics), not
// just the scheduler.
func (sv *Supervisor) Start(ctx context.Context) {
	sv.mu.Lock()
	sv.rootCtx = ctx
	sv.mu.Unlock()

	sv.wg.Add(1)
	go func() {
		defer sv.wg.Done()
		sv.sched.Run(ctx)
	}()
}

// Shutdown waits for every executor's Run loop to return, bounded by
// grace. Callers are expected to have already cancelled the context
// passed to Start. A non-nil error means the grace period elapsed with
// work still draining — the caller decides whether to proceed anyway.
func (sv *Supervisor) Shutdown(grace time.Duration) error {
	done := make(chan struct{})
	go func() {
		sv.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(grace):
		return fmt.Errorf("supervisor: shutdown grace period %s exceeded with executors still draining", grace)
	}
}

// ExecutorFor returns the Executor for pumpID, creating and starting it
// on first use (spec §4.6). Returns false only if called before Start or
// with an empty pumpID.
func (sv *Supervisor) ExecutorFor(pumpID string) (*pump.Executor, bool) {
	if pumpID == "" {
		return nil, false
	}

	sv.mu.Lock()
	defer sv.mu.Unlock()

	if exec, ok := sv.executors[pumpID]; ok {
		return exec, true
	}
	if sv.rootCtx == nil {
		return nil, false
	}

	exec := pump.NewExecutor(pumpID, sv.client, sv.clk, sv.settingsFunc, sv.log, sv.tl)
	sv.executors[pumpID] = exec

	sv.wg.Add(1)
	go func() {
		defer sv.wg.Done()
		exec.Run(sv.rootCtx)
	}()

	return exec, true
}

// CancelPump triggers per-pump cancellation (spec §4.6/§4.7) on an
// already-existing executor. Unlike ExecutorFor it never creates one:
// stopping a pump that has no executor yet returns an error rather than
// spinning up idle machinery.
func (sv *Supervisor) CancelPump(pumpID string) error {
	sv.mu.Lock()
	exec, ok := sv.executors[pumpID]
	sv.mu.Unlock()
	if !ok {
		return fmt.Errorf("supervisor: no executor running for pump %s", pumpID)
	}
	return exec.CancelPump()
}

// settingsFunc is handed to every Executor as its SettingsFunc. It reads
// a fresh snapshot on every call so a live settings edit is picked up by
// the next job; on a transient store error it falls back to the last
// value that was successfully read, rather than failing the job outright.
func (sv *Supervisor) settingsFunc() configstore.Settings {
	snap, err := sv.store.Snapshot(sv.backgroundCtx())
	if err != nil {
		sv.log.Warn().Err(err).Msg("supervisor: settings snapshot failed, reusing last known value")
		sv.mu.Lock()
		defer sv.mu.Unlock()
		return sv.lastKnown
	}
	sv.mu.Lock()
	sv.lastKnown = snap.Settings
	sv.lastKnownOK = true
	sv.mu.Unlock()
	return snap.Settings
}

func (sv *Supervisor) backgroundCtx() context.Context {
	return context.Background()
}

// Snapshot returns a stable-ordered view of every pump that has been
// touched at least once, for the CRUD/UI layer to poll without ever
// blocking on executor internals (spec §9).
func (sv *Supervisor) Snapshot() []PumpStatus {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	out := make([]PumpStatus, 0, len(sv.executors))
	for id, exec := range sv.executors {
		out = append(out, PumpStatus{PumpID: id, Status: exec.Status()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PumpID < out[j].PumpID })
	return out
}

// Timeline exposes the shared audit trail for the CRUD/UI layer to poll.
func (sv *Supervisor) Timeline() *timeline.Store {
	return sv.tl
}
