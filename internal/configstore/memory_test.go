package configstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatboynz/pro-irrigation-addon/internal/errs"
)

func TestMemoryStorePutAndSnapshot(t *testing.T) {
	m := NewMemoryStore()

	require.NoError(t, m.PutRoom(Room{ID: "r1", Name: "Flower", Enabled: true, LightsOnRef: "light.r1"}))
	require.NoError(t, m.PutPump(Pump{ID: "p1", RoomID: "r1", LockRef: "switch.p1_lock"}))
	require.NoError(t, m.PutZone(Zone{ID: "z1", PumpID: "p1", SwitchRef: "switch.z1"}))
	require.NoError(t, m.PutEvent(WaterEvent{
		ID: "e1", RoomID: "r1", Kind: KindP2, TimeOfDay: "08:00",
		RunSeconds: 60, Enabled: true, AssignedZoneIDs: []string{"z1"},
	}))

	snap, err := m.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Rooms, 1)
	assert.Len(t, snap.Events, 1)

	pump, ok := snap.PumpOfZone("z1")
	require.True(t, ok)
	assert.Equal(t, "p1", pump.ID)
}

func TestMemoryStoreRejectsDanglingReference(t *testing.T) {
	m := NewMemoryStore()
	err := m.PutZone(Zone{ID: "z1", PumpID: "does-not-exist", SwitchRef: "switch.z1"})
	var configErr *errs.ConfigError
	require.True(t, errors.As(err, &configErr), "dangling references must surface as *errs.ConfigError")

	snap, err := m.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Zones, "the invalid write must not have been committed")
}

func TestMemoryStoreSnapshotIsACopy(t *testing.T) {
	m := NewMemoryStore()
	require.NoError(t, m.PutRoom(Room{ID: "r1", Name: "Flower"}))

	snap, err := m.Snapshot(context.Background())
	require.NoError(t, err)
	r := snap.Rooms["r1"]
	r.Name = "mutated locally"
	snap.Rooms["r1"] = r

	snap2, err := m.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Flower", snap2.Rooms["r1"].Name, "mutating a returned snapshot must not affect the store")
}

func TestMemoryStoreNotifiesOnChange(t *testing.T) {
	m := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := m.Changes(ctx)
	require.NoError(t, m.PutRoom(Room{ID: "r1"}))

	select {
	case <-changes:
	case <-time.After(time.Second):
		t.Fatal("expected a change notification after PutRoom")
	}
}

func TestMemoryStoreEventsByRoomIsOrdered(t *testing.T) {
	m := NewMemoryStore()
	require.NoError(t, m.PutRoom(Room{ID: "r1"}))
	require.NoError(t, m.PutEvent(WaterEvent{ID: "e2", RoomID: "r1"}))
	require.NoError(t, m.PutEvent(WaterEvent{ID: "e1", RoomID: "r1"}))

	snap, err := m.Snapshot(context.Background())
	require.NoError(t, err)
	events := snap.EventsByRoom("r1")
	require.Len(t, events, 2)
	assert.Equal(t, "e1", events[0].ID)
	assert.Equal(t, "e2", events[1].ID)
}
