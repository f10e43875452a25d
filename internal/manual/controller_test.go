package manual

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatboynz/pro-irrigation-addon/internal/configstore"
	"github.com/goatboynz/pro-irrigation-addon/internal/pump"
)

// fakeExecutorRegistry is a hand-rolled fake, not a mocking framework,
// matching the teacher's own MockStore/MockReconciler test style.
type fakeExecutorRegistry struct {
	executors map[string]*pump.Executor
	cancelled []string
	cancelErr error
}

func newFakeRegistry() *fakeExecutorRegistry {
	return &fakeExecutorRegistry{executors: make(map[string]*pump.Executor)}
}

func (f *fakeExecutorRegistry) ExecutorFor(pumpID string) (*pump.Executor, bool) {
	exec, ok := f.executors[pumpID]
	return exec, ok
}

func (f *fakeExecutorRegistry) CancelPump(pumpID string) error {
	f.cancelled = append(f.cancelled, pumpID)
	return f.cancelErr
}

func seedStore(t *testing.T) *configstore.MemoryStore {
	t.Helper()
	m := configstore.NewMemoryStore()
	require.NoError(t, m.PutRoom(configstore.Room{ID: "r1", Enabled: true}))
	require.NoError(t, m.PutPump(configstore.Pump{ID: "p1", RoomID: "r1", LockRef: "lock.p1", Enabled: true}))
	require.NoError(t, m.PutZone(configstore.Zone{ID: "z1", PumpID: "p1", SwitchRef: "switch.z1", Enabled: true}))
	return m
}

func TestRunZoneRejectsNonPositiveDuration(t *testing.T) {
	ctl := New(seedStore(t), newFakeRegistry(), zerolog.Nop())
	_, err := ctl.RunZone(context.Background(), "z1", 0)
	assert.ErrorIs(t, err, ErrDurationInvalid)
}

func TestRunZoneRejectsUnknownZone(t *testing.T) {
	ctl := New(seedStore(t), newFakeRegistry(), zerolog.Nop())
	_, err := ctl.RunZone(context.Background(), "does-not-exist", 30)
	assert.ErrorIs(t, err, ErrZoneNotFound)
}

func TestRunZoneRejectsWhenExecutorUnavailable(t *testing.T) {
	ctl := New(seedStore(t), newFakeRegistry(), zerolog.Nop())
	_, err := ctl.RunZone(context.Background(), "z1", 30)
	assert.ErrorIs(t, err, ErrExecutorUnavailable)
}

func TestStopPumpDelegatesToRegistry(t *testing.T) {
	registry := newFakeRegistry()
	registry.executors["p1"] = &pump.Executor{}
	ctl := New(seedStore(t), registry, zerolog.Nop())

	err := ctl.StopPump("p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, registry.cancelled)
}

func TestStopPumpUnknownPumpReturnsNotFound(t *testing.T) {
	ctl := New(seedStore(t), newFakeRegistry(), zerolog.Nop())
	err := ctl.StopPump("ghost")
	assert.ErrorIs(t, err, ErrPumpNotFound)
}
