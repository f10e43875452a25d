package configstore

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a read-only snapshot reader over a Postgres schema
// owned by the external CRUD layer (spec §6: the write path and schema
// are out of core scope; the core only ever reads). Grounded on the
// teacher's store.PostgresStore pooling setup.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool against connString. The core never writes
// through this pool; MaxConns is kept low since reads are infrequent
// (once per scheduler tick plus on-demand snapshot() calls).
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 5
	cfg.MinConns = 1
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		TakenAt:  time.Now(),
		Rooms:    make(map[string]Room),
		Pumps:    make(map[string]Pump),
		Zones:    make(map[string]Zone),
		Events:   make(map[string]WaterEvent),
		Settings: DefaultSettings(),
	}

	if err := s.loadRooms(ctx, &snap); err != nil {
		return Snapshot{}, err
	}
	if err := s.loadPumps(ctx, &snap); err != nil {
		return Snapshot{}, err
	}
	if err := s.loadZones(ctx, &snap); err != nil {
		return Snapshot{}, err
	}
	if err := s.loadEvents(ctx, &snap); err != nil {
		return Snapshot{}, err
	}
	if err := s.loadSettings(ctx, &snap); err != nil {
		return Snapshot{}, err
	}
	if err := validate(snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (s *PostgresStore) loadRooms(ctx context.Context, snap *Snapshot) error {
	rows, err := s.pool.Query(ctx, `SELECT id, name, enabled, lights_on_ref, lights_off_ref FROM rooms`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.Name, &r.Enabled, &r.LightsOnRef, &r.LightsOffRef); err != nil {
			return err
		}
		snap.Rooms[r.ID] = r
	}
	return rows.Err()
}

func (s *PostgresStore) loadPumps(ctx context.Context, snap *Snapshot) error {
	rows, err := s.pool.Query(ctx, `SELECT id, room_id, name, lock_ref, enabled FROM pumps`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var p Pump
		if err := rows.Scan(&p.ID, &p.RoomID, &p.Name, &p.LockRef, &p.Enabled); err != nil {
			return err
		}
		snap.Pumps[p.ID] = p
	}
	return rows.Err()
}

func (s *PostgresStore) loadZones(ctx context.Context, snap *Snapshot) error {
	rows, err := s.pool.Query(ctx, `SELECT id, pump_id, name, switch_ref, enabled FROM zones`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var z Zone
		if err := rows.Scan(&z.ID, &z.PumpID, &z.Name, &z.SwitchRef, &z.Enabled); err != nil {
			return err
		}
		snap.Zones[z.ID] = z
	}
	return rows.Err()
}

func (s *PostgresStore) loadEvents(ctx context.Context, snap *Snapshot) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id, room_id, kind, name, run_seconds, enabled, assigned_zone_ids,
		       delay_minutes, time_of_day, buffer_minutes
		FROM water_events`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var e WaterEvent
		var kind string
		if err := rows.Scan(&e.ID, &e.RoomID, &kind, &e.Name, &e.RunSeconds, &e.Enabled,
			&e.AssignedZoneIDs, &e.DelayMinutes, &e.TimeOfDay, &e.BufferMinutes); err != nil {
			return err
		}
		e.Kind = EventKind(kind)
		snap.Events[e.ID] = e
	}
	return rows.Err()
}

func (s *PostgresStore) loadSettings(ctx context.Context, snap *Snapshot) error {
	row := s.pool.QueryRow(ctx, `
		SELECT pump_startup_delay_sec, zone_switch_delay_sec, scheduler_interval_sec, stuck_lock_timeout_sec
		FROM system_settings WHERE id = 1`)
	var st Settings
	err := row.Scan(&st.PumpStartupDelaySec, &st.ZoneSwitchDelaySec, &st.SchedulerIntervalSec, &st.StuckLockTimeoutSec)
	if err == pgx.ErrNoRows {
		return nil // keep DefaultSettings()
	}
	if err != nil {
		return err
	}
	snap.Settings = st
	return nil
}

// Changes is satisfied by pairing a PostgresStore with a RedisNotifier
// (spec §6: the external write layer publishes a change signal out of
// band); Postgres itself has no push mechanism the core subscribes to
// here, so a bare PostgresStore's Changes channel only closes on ctx done.
func (s *PostgresStore) Changes(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}
