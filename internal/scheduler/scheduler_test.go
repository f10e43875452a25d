package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatboynz/pro-irrigation-addon/internal/clock"
	"github.com/goatboynz/pro-irrigation-addon/internal/configstore"
	"github.com/goatboynz/pro-irrigation-addon/internal/pump"
	"github.com/goatboynz/pro-irrigation-addon/internal/schedule"
)

type fakeReader struct{}

func (fakeReader) ReadTimeOfDay(context.Context, string) (string, bool) { return "", false }

type fakeRegistry struct {
	executors map[string]*pump.Executor
}

func (f *fakeRegistry) ExecutorFor(pumpID string) (*pump.Executor, bool) {
	exec, ok := f.executors[pumpID]
	return exec, ok
}

func newTestScheduler(t *testing.T, store configstore.Store, clk clock.Clock) (*Scheduler, *fakeRegistry, *pump.Executor) {
	t.Helper()
	calc := schedule.New(fakeReader{}, zerolog.Nop())
	exec := pump.NewExecutor("p1", noopHostClient{}, clk, func() configstore.Settings {
		snap, _ := store.Snapshot(context.Background())
		return snap.Settings
	}, zerolog.Nop(), nil)
	registry := &fakeRegistry{executors: map[string]*pump.Executor{"p1": exec}}
	return New(store, calc, registry, clk, zerolog.Nop()), registry, exec
}

type noopHostClient struct{}

func (noopHostClient) ReadTimeOfDay(context.Context, string) (string, bool) { return "", false }
func (noopHostClient) ReadNumber(context.Context, string) (float64, bool)   { return 0, false }
func (noopHostClient) ReadBool(context.Context, string) (bool, bool)       { return false, true }
func (noopHostClient) SetBool(context.Context, string, bool) bool          { return true }

func seededStore(t *testing.T, runSeconds int) *configstore.MemoryStore {
	t.Helper()
	m := configstore.NewMemoryStore()
	require.NoError(t, m.PutRoom(configstore.Room{ID: "r1", Enabled: true}))
	require.NoError(t, m.PutPump(configstore.Pump{ID: "p1", RoomID: "r1", LockRef: "lock.p1", Enabled: true}))
	require.NoError(t, m.PutZone(configstore.Zone{ID: "z1", PumpID: "p1", SwitchRef: "switch.z1", Enabled: true}))
	require.NoError(t, m.PutEvent(configstore.WaterEvent{
		ID: "e1", RoomID: "r1", Kind: configstore.KindP2, TimeOfDay: "08:00",
		RunSeconds: runSeconds, Enabled: true, AssignedZoneIDs: []string{"z1"},
	}))
	return m
}

func TestSchedulerSubmitsDueEventOnce(t *testing.T) {
	store := seededStore(t, 30)
	clk := clock.NewVirtual(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	sched, _, exec := newTestScheduler(t, store, clk)

	sched.tick(context.Background())
	assert.Equal(t, 1, exec.Status().QueueDepth)

	// Still within the due window on a second tick: must not double-submit.
	clk.Advance(10 * time.Second)
	sched.tick(context.Background())
	assert.Equal(t, 1, exec.Status().QueueDepth, "the same firing must be deduplicated within the day")
}

func TestSchedulerDedupClearsOnDayRollover(t *testing.T) {
	store := seededStore(t, 30)
	clk := clock.NewVirtual(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	sched, _, exec := newTestScheduler(t, store, clk)

	sched.tick(context.Background())
	assert.Equal(t, 1, exec.Status().QueueDepth)

	clk.Set(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	sched.tick(context.Background())
	assert.Equal(t, 2, exec.Status().QueueDepth, "the next day's firing of the same event must be allowed")
}

func TestSchedulerSkipsDisabledZone(t *testing.T) {
	store := seededStore(t, 30)
	require.NoError(t, store.PutZone(configstore.Zone{ID: "z1", PumpID: "p1", SwitchRef: "switch.z1", Enabled: false}))

	clk := clock.NewVirtual(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	sched, _, exec := newTestScheduler(t, store, clk)

	sched.tick(context.Background())
	assert.Equal(t, 0, exec.Status().QueueDepth)
}

func TestSchedulerSkipsDisabledRoom(t *testing.T) {
	store := seededStore(t, 30)
	require.NoError(t, store.PutRoom(configstore.Room{ID: "r1", Enabled: false}))

	clk := clock.NewVirtual(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	sched, _, exec := newTestScheduler(t, store, clk)

	sched.tick(context.Background())
	assert.Equal(t, 0, exec.Status().QueueDepth)
}

func TestSchedulerDropsOutsideDueWindow(t *testing.T) {
	store := seededStore(t, 30)
	clk := clock.NewVirtual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)) // an hour past the 08:00 firing
	sched, _, exec := newTestScheduler(t, store, clk)

	sched.tick(context.Background())
	assert.Equal(t, 0, exec.Status().QueueDepth)
}

// TestSchedulerRunAlignsFirstTickToIntervalBoundary starts the clock at an
// arbitrary phase within the minute and confirms Run's first tick lands
// exactly on the next HH:MM:00 boundary (schedulerIntervalSec=60), not 60s
// after whatever instant Run happened to start.
func TestSchedulerRunAlignsFirstTickToIntervalBoundary(t *testing.T) {
	store := seededStore(t, 30)
	require.NoError(t, store.PutEvent(configstore.WaterEvent{
		ID: "e1", RoomID: "r1", Kind: configstore.KindP2, TimeOfDay: "08:01",
		RunSeconds: 30, Enabled: true, AssignedZoneIDs: []string{"z1"},
	}))
	clk := clock.NewVirtual(time.Date(2026, 3, 1, 8, 0, 17, 0, time.UTC)) // 17s into the minute
	sched, _, exec := newTestScheduler(t, store, clk)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	time.Sleep(20 * time.Millisecond) // let Run reach its boundary sleep
	assert.Equal(t, 0, exec.Status().QueueDepth, "must not tick before the next interval boundary")

	clk.Advance(43 * time.Second) // 08:00:17 + 43s = 08:01:00, the next HH:MM:00 mark
	require.Eventually(t, func() bool { return exec.Status().QueueDepth == 1 }, 2*time.Second, time.Millisecond,
		"expected the 08:01 event to fire once the aligned boundary was reached")
}

// TestSleepUntilNextBoundaryOrChangeTicksImmediatelyWhenAlreadyAligned
// confirms that starting exactly on an interval boundary doesn't cost a
// whole extra interval of waiting before the first tick.
func TestSleepUntilNextBoundaryOrChangeTicksImmediatelyWhenAlreadyAligned(t *testing.T) {
	store := seededStore(t, 30)
	clk := clock.NewVirtual(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)) // exactly on a 60s boundary
	sched, _, _ := newTestScheduler(t, store, clk)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := store.Changes(ctx)

	done := make(chan error, 1)
	go func() { done <- sched.sleepUntilNextBoundaryOrChange(ctx, 60*time.Second, changes) }()

	select {
	case err := <-done:
		assert.NoError(t, err, "an already-aligned start must tick immediately, not after a full extra interval")
	case <-time.After(2 * time.Second):
		t.Fatal("sleepUntilNextBoundaryOrChange did not return immediately when already on a boundary")
	}
}

// TestSleepUntilNextBoundaryOrChangeWakesOnChange confirms a config write
// wakes a pending boundary sleep early and reports it as a live change
// (nil error) rather than a shutdown, so Run's loop re-ticks instead of
// exiting.
func TestSleepUntilNextBoundaryOrChangeWakesOnChange(t *testing.T) {
	store := seededStore(t, 30)
	clk := clock.NewVirtual(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	sched, _, _ := newTestScheduler(t, store, clk)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := store.Changes(ctx)

	done := make(chan error, 1)
	go func() { done <- sched.sleepUntilNextBoundaryOrChange(ctx, 60*time.Second, changes) }()

	time.Sleep(20 * time.Millisecond) // let the goroutine reach its boundary sleep
	require.NoError(t, store.PutRoom(configstore.Room{ID: "r2", Enabled: true}))

	select {
	case err := <-done:
		assert.NoError(t, err, "a live config change must return nil so Run's loop continues, not exits")
	case <-time.After(2 * time.Second):
		t.Fatal("sleepUntilNextBoundaryOrChange did not wake on a config change")
	}
}

// TestSleepUntilNextBoundaryOrChangeReturnsErrorOnCtxCancel confirms that
// once ctx is cancelled, Changes closes and the resulting receive is
// correctly reported as shutdown (non-nil error), not mistaken for a live
// config change.
func TestSleepUntilNextBoundaryOrChangeReturnsErrorOnCtxCancel(t *testing.T) {
	store := seededStore(t, 30)
	clk := clock.NewVirtual(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	sched, _, _ := newTestScheduler(t, store, clk)

	ctx, cancel := context.WithCancel(context.Background())
	changes := store.Changes(ctx)

	done := make(chan error, 1)
	go func() { done <- sched.sleepUntilNextBoundaryOrChange(ctx, 60*time.Second, changes) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.Error(t, err, "ctx cancellation must return a non-nil error so Run's loop exits")
	case <-time.After(2 * time.Second):
		t.Fatal("sleepUntilNextBoundaryOrChange did not return after ctx cancellation")
	}
}
