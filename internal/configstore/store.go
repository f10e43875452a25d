package configstore

import (
	"context"
	"fmt"

	"github.com/goatboynz/pro-irrigation-addon/internal/errs"
)

// Store is the read API the core depends on (spec §4.3, §6). Writes are
// external to the core; a Store only needs to serve atomic snapshots and
// tell the Scheduler when one changed.
type Store interface {
	// Snapshot returns an immutable, internally-consistent view of the
	// full configuration. Implementations must guarantee no dangling
	// references (spec invariant 1) in what they hand back.
	Snapshot(ctx context.Context) (Snapshot, error)

	// Changes returns a channel that receives a value every time the
	// underlying configuration changes. The channel is never closed by
	// normal operation; it closes only when ctx is done. Consumers (the
	// Scheduler) should treat a receive as "go re-Snapshot", not as
	// carrying the new data itself.
	Changes(ctx context.Context) <-chan struct{}
}

// validate walks a snapshot and reports the first dangling reference it
// finds, enforcing spec invariant 1. Concrete Store implementations call
// this before handing a snapshot back.
func validate(s Snapshot) error {
	for zoneID, z := range s.Zones {
		if _, ok := s.Pumps[z.PumpID]; !ok {
			return danglingRef("zone", zoneID, "pump", z.PumpID)
		}
	}
	for pumpID, p := range s.Pumps {
		if _, ok := s.Rooms[p.RoomID]; !ok {
			return danglingRef("pump", pumpID, "room", p.RoomID)
		}
	}
	for eventID, e := range s.Events {
		room, ok := s.Rooms[e.RoomID]
		if !ok {
			return danglingRef("event", eventID, "room", e.RoomID)
		}
		for _, zoneID := range e.AssignedZoneIDs {
			z, ok := s.Zones[zoneID]
			if !ok {
				return danglingRef("event", eventID, "zone", zoneID)
			}
			if z.PumpID == "" {
				continue
			}
			p, ok := s.Pumps[z.PumpID]
			if ok && p.RoomID != room.ID {
				return danglingRef("event", eventID, "zone (wrong room)", zoneID)
			}
		}
	}
	return nil
}

// danglingRef builds the *errs.ConfigError spec invariant 1 calls for: a
// reference from one config entity to another that doesn't resolve.
func danglingRef(fromKind, fromID, toKind, toID string) *errs.ConfigError {
	return &errs.ConfigError{Detail: fmt.Sprintf("%s %s references missing %s %s", fromKind, fromID, toKind, toID)}
}
