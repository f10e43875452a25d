package supervisor

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
	"github.com/goatboynz/pro-irrigation-addon/internal/timeline"
)

type fakeHostClient struct{}

func (fakeHostClient) ReadTimeOfDay(context.Context, string) (string, bool) { return "", false }
func (fakeHostClient) ReadNumber(context.Context, string) (float64, bool)   { return 0, false }
func (fakeHostClient) ReadBool(context.Context, string) (bool, bool)       { return false, true }
func (fakeHostClient) SetBool(context.Context, string, bool) bool          { return true }

func newTestSupervisor() (*Supervisor, *clock.Virtual) {
	clk := clock.NewVirtual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := configstore.NewMemoryStore()
	sv := New(store, fakeHostClient{}, clk, zerolog.Nop(), timeline.NewStore(64))
	return sv, clk
}

func TestExecutorForReturnsFalseBeforeStart(t *testing.T) {
	sv, _ := newTestSupervisor()
	_, ok := sv.ExecutorFor("p1")
	assert.False(t, ok, "no executor should be handed out before Start establishes a lifetime context")
}

func TestExecutorForIsLazyAndIdempotent(t *testing.T) {
	sv, _ := newTestSupervisor()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sv.Start(ctx)

	first, ok := sv.ExecutorFor("p1")
	require.True(t, ok)
	second, ok := sv.ExecutorFor("p1")
	require.True(t, ok)
	assert.Same(t, first, second, "the same pump id must always resolve to the same executor instance")
}

func TestExecutorForRejectsEmptyPumpID(t *testing.T) {
	sv, _ := newTestSupervisor()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sv.Start(ctx)

	_, ok := sv.ExecutorFor("")
	assert.False(t, ok)
}

func TestSnapshotOrdersByPumpID(t *testing.T) {
	sv, _ := newTestSupervisor()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sv.Start(ctx)

	_, ok := sv.ExecutorFor("p2")
	require.True(t, ok)
	_, ok = sv.ExecutorFor("p1")
	require.True(t, ok)

	snap := sv.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "p1", snap[0].PumpID)
	assert.Equal(t, "p2", snap[1].PumpID)
}

func TestCancelPumpOnUnknownPumpReturnsError(t *testing.T) {
	sv, _ := newTestSupervisor()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sv.Start(ctx)

	err := sv.CancelPump("ghost")
	assert.Error(t, err)
}

func TestShutdownReturnsNilOnceEverythingIdleIsCancelled(t *testing.T) {
	sv, _ := newTestSupervisor()
	ctx, cancel := context.WithCancel(context.Background())
	sv.Start(ctx)

	_, ok := sv.ExecutorFor("p1")
	require.True(t, ok)

	cancel()
	err := sv.Shutdown(time.Second)
	assert.NoError(t, err)
}

func TestShutdownTimesOutWhileTeardownIsStillDraining(t *testing.T) {
	sv, clk := newTestSupervisor()
	ctx, cancel := context.WithCancel(context.Background())
	sv.Start(ctx)

	exec, ok := sv.ExecutorFor("p1")
	require.True(t, ok)
	require.True(t, exec.Submit(&pump.Job{JobID: "j1", PumpID: "p1", LockRef: "lock.p1", ZoneID: "z1", SwitchRef: "switch.z1", RunSeconds: 1}))

	require.Eventually(t, func() bool { return exec.Status().Phase != pump.PhaseIdle }, 2*time.Second, time.Millisecond)
	clk.Advance(5 * time.Second) // past pump startup
	clk.Advance(1 * time.Second) // past run duration, now tearing down on a background context

	cancel() // Run's loop observes ctx cancellation, but teardown's sleep is on context.Background and keeps the goroutine alive

	err := sv.Shutdown(20 * time.Millisecond)
	assert.Error(t, err, "teardown's zone-switch delay runs on the virtual clock, which is never advanced past it, so the executor cannot quiesce within the grace period")
}
