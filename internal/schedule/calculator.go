// Package schedule implements the ScheduleCalculator (spec §4.4): pure
// functions mapping (event, room state, settings, now) to the set of
// firing instants for today, with no side effects beyond the injected
// TimeOfDayReader used to resolve P1/AUTO's lights-on/off references.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/goatboynz/pro-irrigation-addon/internal/configstore"
)

// TimeOfDayReader resolves an opaque host entity reference to a "HH:MM"
// wall-clock value, exactly HostClient.readTimeOfDay (spec §4.2).
type TimeOfDayReader interface {
	ReadTimeOfDay(ctx context.Context, ref string) (string, bool)
}

// Calculator computes firings and due-ness. It holds only a logger and a
// reference resolver — no mutable state, so one Calculator is safely
// shared across every room/event evaluated in a tick.
type Calculator struct {
	reader TimeOfDayReader
	log    zerolog.Logger
}

// New creates a Calculator that resolves time-of-day references via reader.
func New(reader TimeOfDayReader, log zerolog.Logger) *Calculator {
	return &Calculator{reader: reader, log: log}
}

// NextFiringsToday returns the wall-clock instants at which event should
// fire during the local day containing now. An unreadable or missing
// required reference yields the empty set with a logged warning, never an
// error (spec §4.4).
func (c *Calculator) NextFiringsToday(ctx context.Context, event configstore.WaterEvent, room configstore.Room, now time.Time) []time.Time {
	switch event.Kind {
	case configstore.KindP1:
		return c.firingsP1(ctx, event, room, now)
	case configstore.KindP2:
		return c.firingsP2(event, now)
	case configstore.KindAuto:
		return c.firingsAuto(ctx, event, room, now)
	default:
		c.log.Warn().Str("event_id", event.ID).Str("kind", string(event.Kind)).Msg("schedule: unknown event kind, no firings")
		return nil
	}
}

func (c *Calculator) firingsP1(ctx context.Context, event configstore.WaterEvent, room configstore.Room, now time.Time) []time.Time {
	if room.LightsOnRef == "" {
		c.log.Warn().Str("event_id", event.ID).Str("room_id", room.ID).Msg("schedule: P1 event's room has no lights-on reference")
		return nil
	}
	lightsOn, ok := c.resolveToday(ctx, room.LightsOnRef, now)
	if !ok {
		c.log.Warn().Str("event_id", event.ID).Str("ref", room.LightsOnRef).Msg("schedule: lights-on reference unreadable, skipping P1 event")
		return nil
	}
	return []time.Time{lightsOn.Add(time.Duration(event.DelayMinutes) * time.Minute)}
}

func (c *Calculator) firingsP2(event configstore.WaterEvent, now time.Time) []time.Time {
	t, err := parseHHMM(event.TimeOfDay, now)
	if err != nil {
		c.log.Warn().Str("event_id", event.ID).Err(err).Msg("schedule: invalid P2 time-of-day, skipping event")
		return nil
	}
	return []time.Time{t}
}

func (c *Calculator) firingsAuto(ctx context.Context, event configstore.WaterEvent, room configstore.Room, now time.Time) []time.Time {
	if room.LightsOffRef == "" || room.LightsOnRef == "" {
		c.log.Warn().Str("event_id", event.ID).Str("room_id", room.ID).Msg("schedule: AUTO event requires both lights-on and lights-off references")
		return nil
	}
	lightsOff, ok := c.resolveToday(ctx, room.LightsOffRef, now)
	if !ok {
		c.log.Warn().Str("event_id", event.ID).Str("ref", room.LightsOffRef).Msg("schedule: lights-off reference unreadable, skipping AUTO event")
		return nil
	}
	lightsOn, ok := c.resolveToday(ctx, room.LightsOnRef, now)
	if !ok {
		c.log.Warn().Str("event_id", event.ID).Str("ref", room.LightsOnRef).Msg("schedule: lights-on reference unreadable, skipping AUTO event")
		return nil
	}
	firing := lightsOff.Add(-time.Duration(event.BufferMinutes) * time.Minute)
	if firing.Before(lightsOn) {
		firing = lightsOn
	}
	return []time.Time{firing}
}

func (c *Calculator) resolveToday(ctx context.Context, ref string, now time.Time) (time.Time, bool) {
	hhmm, ok := c.reader.ReadTimeOfDay(ctx, ref)
	if !ok {
		return time.Time{}, false
	}
	t, err := parseHHMM(hhmm, now)
	if err != nil {
		c.log.Warn().Str("ref", ref).Str("value", hhmm).Err(err).Msg("schedule: entity returned unparseable time-of-day")
		return time.Time{}, false
	}
	return t, true
}

// parseHHMM interprets s as "HH:MM" on the local day containing now.
// "24:00" is rejected: spec §8 requires config validation to reject it as
// a ConfigError at job time, not silently wrap to the next day.
func parseHHMM(s string, now time.Time) (time.Time, error) {
	var hh, mm int
	if _, err := fmt.Sscanf(s, "%d:%d", &hh, &mm); err != nil {
		return time.Time{}, fmt.Errorf("malformed time-of-day %q: %w", s, err)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return time.Time{}, fmt.Errorf("time-of-day %q out of range", s)
	}
	y, mo, d := now.Date()
	return time.Date(y, mo, d, hh, mm, 0, 0, now.Location()), nil
}

// IsDue returns true iff firing <= now < firing + windowSec (spec §4.4).
func IsDue(firing, now time.Time, windowSec int) bool {
	if now.Before(firing) {
		return false
	}
	window := time.Duration(windowSec) * time.Second
	return now.Before(firing.Add(window))
}

// FiringKey is the dedup key (eventId, firing-as-HH:MM:SS) described in
// the glossary, used by the Scheduler's per-day dedup set.
func FiringKey(eventID string, firing time.Time) string {
	return fmt.Sprintf("%s@%02d:%02d:%02d", eventID, firing.Hour(), firing.Minute(), firing.Second())
}
