package configstore

import (
	"sort"
	"time"
)

// EventKind is the firing-time model a WaterEvent uses (spec §3, §9).
type EventKind string

const (
	// KindP1 fires lightsOn + DelayMinutes after the room's lights-on ref.
	KindP1 EventKind = "P1"
	// KindP2 fires at a fixed local time-of-day.
	KindP2 EventKind = "P2"
	// KindAuto is the v1-compatible auto-mode firing (lightsOff - buffer),
	// added per SPEC_FULL's supplemented-features §4: only usable when a
	// room configures LightsOffRef, never required by v2 configs.
	KindAuto EventKind = "AUTO"
)

// Room owns pumps, zones, and events (v2, room-first model; spec §9).
type Room struct {
	ID           string
	Name         string
	Enabled      bool
	LightsOnRef  string
	LightsOffRef string // optional, only consulted by KindAuto events
}

// Pump is the mutual-exclusion unit: lockRef is both the physical actuator
// and the interlock signal (spec §3, §4.6).
type Pump struct {
	ID      string
	RoomID  string
	Name    string
	LockRef string
	Enabled bool
}

// Zone belongs to exactly one pump and actuates one switch entity.
type Zone struct {
	ID        string
	PumpID    string
	Name      string
	SwitchRef string
	Enabled   bool
}

// WaterEvent is a calendar-like rule that produces jobs for its assigned
// zones when due (spec §3, §4.4).
type WaterEvent struct {
	ID              string
	RoomID          string
	Kind            EventKind
	Name            string
	RunSeconds      int
	Enabled         bool
	AssignedZoneIDs []string

	// Exactly one of these is meaningful, selected by Kind.
	DelayMinutes int       // KindP1
	TimeOfDay    string    // KindP2, "HH:MM"
	BufferMinutes int      // KindAuto
}

// Settings is the singleton tunables row (spec §3, defaults per spec).
type Settings struct {
	PumpStartupDelaySec int
	ZoneSwitchDelaySec  int
	SchedulerIntervalSec int
	StuckLockTimeoutSec int
}

// DefaultSettings returns the spec's documented defaults.
func DefaultSettings() Settings {
	return Settings{
		PumpStartupDelaySec:  5,
		ZoneSwitchDelaySec:   2,
		SchedulerIntervalSec: 60,
		StuckLockTimeoutSec:  300,
	}
}

// Snapshot is an immutable, internally-consistent view of the whole
// configuration as of one instant (spec §3, §4.3, §6).
type Snapshot struct {
	TakenAt  time.Time
	Rooms    map[string]Room
	Pumps    map[string]Pump
	Zones    map[string]Zone
	Events   map[string]WaterEvent
	Settings Settings
}

// RoomOf returns the room a pump belongs to.
func (s Snapshot) RoomOf(pumpID string) (Room, bool) {
	p, ok := s.Pumps[pumpID]
	if !ok {
		return Room{}, false
	}
	r, ok := s.Rooms[p.RoomID]
	return r, ok
}

// PumpOfZone returns the pump a zone belongs to.
func (s Snapshot) PumpOfZone(zoneID string) (Pump, bool) {
	z, ok := s.Zones[zoneID]
	if !ok {
		return Pump{}, false
	}
	p, ok := s.Pumps[z.PumpID]
	return p, ok
}

// EventsByRoom returns every event belonging to room, in stable ID order.
func (s Snapshot) EventsByRoom(roomID string) []WaterEvent {
	var out []WaterEvent
	for _, e := range s.Events {
		if e.RoomID == roomID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
