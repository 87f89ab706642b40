// Package postgres implements storage.Store on a PostgreSQL connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fsk-gliding/ogn-tracker/internal/ddb"
	"github.com/fsk-gliding/ogn-tracker/internal/storage"
	"github.com/fsk-gliding/ogn-tracker/pkg/logger"
)

// Store wraps a PostgreSQL connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *logger.Logger
}

var _ storage.Store = (*Store)(nil)

// Open connects to dsn, checks the connection and creates the schema.
func Open(ctx context.Context, dsn string, log *logger.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{pool: pool, logger: log.Named("postgres")}
	if err := s.CreateSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s.logger.Info("Connected to PostgreSQL",
		logger.String("host", poolCfg.ConnConfig.Host),
		logger.String("database", poolCfg.ConnConfig.Database))
	return s, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// CreateSchema creates the tables the tracker reads and writes.
func (s *Store) CreateSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS positions (
		id                  BIGSERIAL PRIMARY KEY,
		aircraft_id         TEXT NOT NULL,
		flarm_id            TEXT NOT NULL DEFAULT '',
		ts                  TIMESTAMPTZ NOT NULL,
		latitude            DOUBLE PRECISION NOT NULL,
		longitude           DOUBLE PRECISION NOT NULL,
		altitude            DOUBLE PRECISION,
		track               DOUBLE PRECISION,
		ground_speed        DOUBLE PRECISION,
		climb_rate          DOUBLE PRECISION,
		turn_rate           DOUBLE PRECISION,
		aircraft_model      TEXT NOT NULL DEFAULT '',
		registration        TEXT NOT NULL DEFAULT '',
		aircraft_type       TEXT NOT NULL DEFAULT '',
		flight_logbook_id   TEXT NOT NULL DEFAULT '',
		stored_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_positions_aircraft ON positions(aircraft_id, id DESC);

	CREATE TABLE IF NOT EXISTS flight_events (
		id                  BIGSERIAL PRIMARY KEY,
		type                TEXT NOT NULL,
		origin              TEXT NOT NULL DEFAULT '',
		aircraft_id         TEXT NOT NULL,
		ts                  TIMESTAMPTZ NOT NULL,
		airfield            TEXT NOT NULL DEFAULT '',
		airfield_icao       TEXT NOT NULL DEFAULT '',
		latitude            DOUBLE PRECISION,
		longitude           DOUBLE PRECISION,
		aircraft_type       TEXT NOT NULL DEFAULT '',
		aircraft_model      TEXT NOT NULL DEFAULT '',
		registration        TEXT NOT NULL DEFAULT '',
		start_type          TEXT NOT NULL DEFAULT '',
		paired_with         TEXT NOT NULL DEFAULT '',
		stored_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_flight_events_aircraft ON flight_events(aircraft_id, ts DESC, type);

	CREATE TABLE IF NOT EXISTS planes (
		id                  SERIAL PRIMARY KEY,
		flarm_id            TEXT,
		registration        TEXT
	);

	CREATE TABLE IF NOT EXISTS flight_logbook (
		id                      TEXT PRIMARY KEY,
		flarm_id                TEXT NOT NULL,
		status                  TEXT NOT NULL,
		deleted                 BOOLEAN NOT NULL DEFAULT FALSE,
		winch_launch_altitude   DOUBLE PRECISION
	);

	CREATE INDEX IF NOT EXISTS idx_flight_logbook_flarm ON flight_logbook(flarm_id, status);

	CREATE TABLE IF NOT EXISTS clubs (
		id                  SERIAL PRIMARY KEY,
		name                TEXT,
		status              TEXT,
		homefield           TEXT
	);

	CREATE TABLE IF NOT EXISTS devices (
		device_id           TEXT PRIMARY KEY,
		device_type         TEXT NOT NULL DEFAULT '',
		model               TEXT NOT NULL DEFAULT '',
		registration        TEXT NOT NULL DEFAULT '',
		cn                  TEXT NOT NULL DEFAULT '',
		tracked             BOOLEAN NOT NULL DEFAULT FALSE,
		identified          BOOLEAN NOT NULL DEFAULT FALSE
	);
	`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *Store) StorePosition(ctx context.Context, p storage.Position) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO positions (
			aircraft_id, flarm_id, ts, latitude, longitude, altitude, track,
			ground_speed, climb_rate, turn_rate, aircraft_model, registration,
			aircraft_type, flight_logbook_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		p.AircraftID, p.FlarmID, p.Timestamp, p.Latitude, p.Longitude,
		p.Altitude, p.Track, p.GroundSpeed, p.ClimbRate, p.TurnRate,
		p.AircraftModel, p.Registration, p.AircraftType, p.FlightLogbookID)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

func (s *Store) StoreFlightEvent(ctx context.Context, e storage.FlightEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO flight_events (
			type, origin, aircraft_id, ts, airfield, airfield_icao, latitude, longitude,
			aircraft_type, aircraft_model, registration, start_type, paired_with
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.Type, e.Origin, e.ID, e.Timestamp, e.Airfield, e.AirfieldICAO, e.Latitude, e.Longitude,
		e.AircraftType, e.AircraftModel, e.Registration, e.StartType, e.PairedWith)
	if err != nil {
		return fmt.Errorf("insert flight event: %w", err)
	}
	s.logger.Info("Stored flight event",
		logger.String("type", e.Type),
		logger.String("aircraft_id", e.ID),
		logger.String("airfield", e.Airfield))
	return nil
}

func (s *Store) FindActiveFlight(ctx context.Context, flarmID string) (string, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM flight_logbook
		WHERE flarm_id = $1 AND status = 'INFLIGHT' AND NOT deleted
		LIMIT 1`, flarmID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find active flight: %w", err)
	}
	return id, true, nil
}

func (s *Store) UpdateFlightWinchAltitude(ctx context.Context, flightID string, altitude float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE flight_logbook SET winch_launch_altitude = $1 WHERE id = $2`, altitude, flightID)
	if err != nil {
		return fmt.Errorf("update winch altitude: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ActiveHomefields(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT homefield FROM clubs
		WHERE status = 'active' AND homefield IS NOT NULL AND homefield <> ''`)
	if err != nil {
		return nil, fmt.Errorf("query homefields: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) ClubFlarmIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT flarm_id FROM planes
		WHERE flarm_id IS NOT NULL AND flarm_id <> ''`)
	if err != nil {
		return nil, fmt.Errorf("query club planes: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	for i := range ids {
		ids[i] = strings.ToUpper(ids[i])
	}
	return ids, nil
}

func (s *Store) AircraftTrack(ctx context.Context, aircraftID string, limit int) ([]storage.Position, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT aircraft_id, flarm_id, ts, latitude, longitude, altitude, track,
			ground_speed, climb_rate, turn_rate, aircraft_model, registration,
			aircraft_type, flight_logbook_id
		FROM positions
		WHERE aircraft_id = $1
		ORDER BY id DESC
		LIMIT $2`, aircraftID, limit)
	if err != nil {
		return nil, fmt.Errorf("query track: %w", err)
	}
	defer rows.Close()

	track := []storage.Position{}
	for rows.Next() {
		var p storage.Position
		if err := rows.Scan(&p.AircraftID, &p.FlarmID, &p.Timestamp, &p.Latitude, &p.Longitude,
			&p.Altitude, &p.Track, &p.GroundSpeed, &p.ClimbRate, &p.TurnRate,
			&p.AircraftModel, &p.Registration, &p.AircraftType, &p.FlightLogbookID); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p.Timestamp = p.Timestamp.UTC()
		track = append(track, p)
	}
	return track, rows.Err()
}

func (s *Store) RecentFlightEvents(ctx context.Context, limit int) ([]storage.FlightEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT type, origin, aircraft_id, ts, airfield, airfield_icao, latitude, longitude,
			aircraft_type, aircraft_model, registration, start_type, paired_with
		FROM flight_events
		ORDER BY ts DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query flight events: %w", err)
	}
	defer rows.Close()

	events := []storage.FlightEvent{}
	for rows.Next() {
		var e storage.FlightEvent
		if err := rows.Scan(&e.Type, &e.Origin, &e.ID, &e.Timestamp, &e.Airfield, &e.AirfieldICAO,
			&e.Latitude, &e.Longitude, &e.AircraftType, &e.AircraftModel, &e.Registration,
			&e.StartType, &e.PairedWith); err != nil {
			return nil, fmt.Errorf("scan flight event: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// ReplaceDevices swaps the device table in one transaction using COPY.
func (s *Store) ReplaceDevices(ctx context.Context, devices []ddb.Device) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM devices`); err != nil {
		return fmt.Errorf("clear devices: %w", err)
	}

	// The download can list an id twice; COPY would reject the duplicate.
	seen := make(map[string]bool, len(devices))
	rows := make([][]any, 0, len(devices))
	for _, d := range devices {
		if seen[d.DeviceID] {
			continue
		}
		seen[d.DeviceID] = true
		rows = append(rows, []any{d.DeviceID, d.DeviceType, d.Model, d.Registration, d.CN, d.Tracked, d.Identified})
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"devices"},
		[]string{"device_id", "device_type", "model", "registration", "cn", "tracked", "identified"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy devices: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit devices: %w", err)
	}
	s.logger.Info("Cached device database", logger.Int("devices", len(rows)))
	return nil
}

func (s *Store) Devices(ctx context.Context) ([]ddb.Device, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT device_id, device_type, model, registration, cn, tracked, identified
		FROM devices ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var out []ddb.Device
	for rows.Next() {
		var d ddb.Device
		if err := rows.Scan(&d.DeviceID, &d.DeviceType, &d.Model, &d.Registration, &d.CN, &d.Tracked, &d.Identified); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
