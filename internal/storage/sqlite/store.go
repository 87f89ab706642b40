// Package sqlite implements storage.Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fsk-gliding/ogn-tracker/internal/ddb"
	"github.com/fsk-gliding/ogn-tracker/internal/storage"
	"github.com/fsk-gliding/ogn-tracker/pkg/logger"
)

const (
	// Flight logbook status of an aircraft that is airborne.
	statusInFlight = "INFLIGHT"

	// Fixed-width UTC layout so text ordering matches time ordering.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// Store is a SQLite-based storage.Store.
type Store struct {
	db     *sql.DB
	logger *logger.Logger
}

var _ storage.Store = (*Store)(nil)

// New opens (creating if needed) the database at dbPath.
func New(dbPath string, log *logger.Logger) (*Store, error) {
	storageLogger := log.Named("sqlite")
	storageLogger.Info("Initializing SQLite storage", logger.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=10000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if err := initDatabase(db, storageLogger); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, logger: storageLogger}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the connection for reference-data seeding.
func (s *Store) DB() *sql.DB {
	return s.db
}

func initDatabase(db *sql.DB, log *logger.Logger) error {
	log.Info("Initializing database schema")

	statements := []struct {
		name string
		sql  string
	}{
		{"positions", `
			CREATE TABLE IF NOT EXISTS positions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				aircraft_id TEXT NOT NULL,
				flarm_id TEXT,
				timestamp TEXT NOT NULL,
				latitude REAL NOT NULL,
				longitude REAL NOT NULL,
				altitude REAL,
				track REAL,
				ground_speed REAL,
				climb_rate REAL,
				turn_rate REAL,
				aircraft_model TEXT,
				registration TEXT,
				aircraft_type TEXT,
				flight_logbook_id TEXT,
				stored_at TEXT NOT NULL
			)`},
		{"positions index", `CREATE INDEX IF NOT EXISTS idx_positions_aircraft ON positions(aircraft_id, id DESC)`},
		{"flight_events", `
			CREATE TABLE IF NOT EXISTS flight_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				type TEXT NOT NULL,
				origin TEXT,
				aircraft_id TEXT NOT NULL,
				timestamp TEXT NOT NULL,
				airfield TEXT,
				airfield_icao TEXT,
				latitude REAL,
				longitude REAL,
				aircraft_type TEXT,
				aircraft_model TEXT,
				registration TEXT,
				start_type TEXT,
				paired_with TEXT,
				stored_at TEXT NOT NULL
			)`},
		{"flight_events index", `CREATE INDEX IF NOT EXISTS idx_flight_events_aircraft ON flight_events(aircraft_id, timestamp DESC, type)`},
		{"planes", `
			CREATE TABLE IF NOT EXISTS planes (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				flarm_id TEXT,
				registration TEXT
			)`},
		{"flight_logbook", `
			CREATE TABLE IF NOT EXISTS flight_logbook (
				id TEXT PRIMARY KEY,
				flarm_id TEXT NOT NULL,
				status TEXT NOT NULL,
				deleted INTEGER NOT NULL DEFAULT 0,
				winch_launch_altitude REAL
			)`},
		{"flight_logbook index", `CREATE INDEX IF NOT EXISTS idx_flight_logbook_flarm ON flight_logbook(flarm_id, status)`},
		{"clubs", `
			CREATE TABLE IF NOT EXISTS clubs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT,
				status TEXT,
				homefield TEXT
			)`},
		{"devices", `
			CREATE TABLE IF NOT EXISTS devices (
				device_id TEXT PRIMARY KEY,
				device_type TEXT,
				model TEXT,
				registration TEXT,
				cn TEXT,
				tracked INTEGER NOT NULL DEFAULT 0,
				identified INTEGER NOT NULL DEFAULT 0
			)`},
	}

	for _, st := range statements {
		if _, err := db.Exec(st.sql); err != nil {
			return fmt.Errorf("failed to create %s: %w", st.name, err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func (s *Store) StorePosition(ctx context.Context, p storage.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (
			aircraft_id, flarm_id, timestamp, latitude, longitude, altitude, track,
			ground_speed, climb_rate, turn_rate, aircraft_model, registration,
			aircraft_type, flight_logbook_id, stored_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.AircraftID, p.FlarmID, formatTime(p.Timestamp), p.Latitude, p.Longitude,
		nullFloat(p.Altitude), nullFloat(p.Track), nullFloat(p.GroundSpeed),
		nullFloat(p.ClimbRate), nullFloat(p.TurnRate),
		p.AircraftModel, p.Registration, p.AircraftType, p.FlightLogbookID,
		formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to insert position: %w", err)
	}
	s.logger.Debug("Stored position", logger.String("aircraft_id", p.AircraftID))
	return nil
}

func (s *Store) StoreFlightEvent(ctx context.Context, e storage.FlightEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flight_events (
			type, origin, aircraft_id, timestamp, airfield, airfield_icao, latitude,
			longitude, aircraft_type, aircraft_model, registration, start_type,
			paired_with, stored_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Type, e.Origin, e.ID, formatTime(e.Timestamp), e.Airfield, e.AirfieldICAO,
		nullFloat(e.Latitude), nullFloat(e.Longitude), e.AircraftType, e.AircraftModel,
		e.Registration, e.StartType, e.PairedWith, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to insert flight event: %w", err)
	}
	s.logger.Info("Stored flight event",
		logger.String("type", e.Type),
		logger.String("aircraft_id", e.ID),
		logger.String("airfield", e.Airfield))
	return nil
}

func (s *Store) FindActiveFlight(ctx context.Context, flarmID string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM flight_logbook
		WHERE flarm_id = ? AND status = ? AND deleted = 0
		LIMIT 1`, flarmID, statusInFlight).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to find active flight: %w", err)
	}
	return id, true, nil
}

func (s *Store) UpdateFlightWinchAltitude(ctx context.Context, flightID string, altitude float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE flight_logbook SET winch_launch_altitude = ? WHERE id = ?`, altitude, flightID)
	if err != nil {
		return fmt.Errorf("failed to update winch altitude: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ActiveHomefields(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, `
		SELECT DISTINCT homefield FROM clubs
		WHERE status = 'active' AND homefield IS NOT NULL AND homefield != ''`)
}

func (s *Store) ClubFlarmIDs(ctx context.Context) ([]string, error) {
	ids, err := s.queryStrings(ctx, `
		SELECT DISTINCT flarm_id FROM planes
		WHERE flarm_id IS NOT NULL AND flarm_id != ''`)
	if err != nil {
		return nil, err
	}
	for i := range ids {
		ids[i] = strings.ToUpper(ids[i])
	}
	return ids, nil
}

func (s *Store) queryStrings(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// AircraftTrack returns the newest positions of an aircraft, newest first.
func (s *Store) AircraftTrack(ctx context.Context, aircraftID string, limit int) ([]storage.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT aircraft_id, flarm_id, timestamp, latitude, longitude, altitude, track,
			ground_speed, climb_rate, turn_rate, aircraft_model, registration,
			aircraft_type, flight_logbook_id
		FROM positions
		WHERE aircraft_id = ?
		ORDER BY id DESC
		LIMIT ?`, aircraftID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query track: %w", err)
	}
	defer rows.Close()

	track := []storage.Position{}
	for rows.Next() {
		var (
			p                                   storage.Position
			ts                                  string
			flarmID, model, reg, typ, logbookID sql.NullString
			alt, trk, gs, climb, turn           sql.NullFloat64
		)
		if err := rows.Scan(&p.AircraftID, &flarmID, &ts, &p.Latitude, &p.Longitude,
			&alt, &trk, &gs, &climb, &turn, &model, &reg, &typ, &logbookID); err != nil {
			return nil, fmt.Errorf("failed to scan position row: %w", err)
		}
		t, err := parseTime(ts)
		if err != nil {
			s.logger.Error("Error parsing timestamp", logger.Error(err), logger.String("aircraft_id", aircraftID))
			continue
		}
		p.Timestamp = t
		p.FlarmID = flarmID.String
		p.Altitude, p.Track, p.GroundSpeed = floatPtr(alt), floatPtr(trk), floatPtr(gs)
		p.ClimbRate, p.TurnRate = floatPtr(climb), floatPtr(turn)
		p.AircraftModel, p.Registration, p.AircraftType = model.String, reg.String, typ.String
		p.FlightLogbookID = logbookID.String
		track = append(track, p)
	}
	return track, rows.Err()
}

// RecentFlightEvents returns the newest flight events, newest first.
func (s *Store) RecentFlightEvents(ctx context.Context, limit int) ([]storage.FlightEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, origin, aircraft_id, timestamp, airfield, airfield_icao, latitude,
			longitude, aircraft_type, aircraft_model, registration, start_type, paired_with
		FROM flight_events
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query flight events: %w", err)
	}
	defer rows.Close()

	events := []storage.FlightEvent{}
	for rows.Next() {
		var (
			e                                                        storage.FlightEvent
			ts                                                       string
			origin, airfield, icao, typ, model, reg, start, partner sql.NullString
			lat, lon                                                 sql.NullFloat64
		)
		if err := rows.Scan(&e.Type, &origin, &e.ID, &ts, &airfield, &icao, &lat, &lon,
			&typ, &model, &reg, &start, &partner); err != nil {
			return nil, fmt.Errorf("failed to scan flight event row: %w", err)
		}
		t, err := parseTime(ts)
		if err != nil {
			s.logger.Error("Error parsing timestamp", logger.Error(err), logger.String("aircraft_id", e.ID))
			continue
		}
		e.Timestamp = t
		e.Origin, e.Airfield, e.AirfieldICAO = origin.String, airfield.String, icao.String
		e.Latitude, e.Longitude = floatPtr(lat), floatPtr(lon)
		e.AircraftType, e.AircraftModel, e.Registration = typ.String, model.String, reg.String
		e.StartType, e.PairedWith = start.String, partner.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// ReplaceDevices swaps the cached device table in one transaction.
func (s *Store) ReplaceDevices(ctx context.Context, devices []ddb.Device) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM devices`); err != nil {
		return fmt.Errorf("failed to clear devices: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO devices (device_id, device_type, model, registration, cn, tracked, identified)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare device insert: %w", err)
	}
	defer stmt.Close()

	for _, d := range devices {
		if _, err := stmt.ExecContext(ctx, d.DeviceID, d.DeviceType, d.Model, d.Registration, d.CN, d.Tracked, d.Identified); err != nil {
			return fmt.Errorf("failed to insert device %s: %w", d.DeviceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit devices: %w", err)
	}
	s.logger.Info("Cached device database", logger.Int("devices", len(devices)))
	return nil
}

func (s *Store) Devices(ctx context.Context) ([]ddb.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, device_type, model, registration, cn, tracked, identified
		FROM devices`)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var out []ddb.Device
	for rows.Next() {
		var d ddb.Device
		var typ, model, reg, cn sql.NullString
		if err := rows.Scan(&d.DeviceID, &typ, &model, &reg, &cn, &d.Tracked, &d.Identified); err != nil {
			return nil, fmt.Errorf("failed to scan device row: %w", err)
		}
		d.DeviceType, d.Model, d.Registration, d.CN = typ.String, model.String, reg.String, cn.String
		out = append(out, d)
	}
	return out, rows.Err()
}

// AddClubPlane registers a club aircraft by FLARM id.
func (s *Store) AddClubPlane(ctx context.Context, flarmID, registration string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO planes (flarm_id, registration) VALUES (?, ?)`,
		strings.ToUpper(flarmID), registration)
	if err != nil {
		return fmt.Errorf("failed to insert plane: %w", err)
	}
	return nil
}

// AddClub registers a club and its homefield ICAO code.
func (s *Store) AddClub(ctx context.Context, name, status, homefield string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO clubs (name, status, homefield) VALUES (?, ?, ?)`,
		name, status, homefield)
	if err != nil {
		return fmt.Errorf("failed to insert club: %w", err)
	}
	return nil
}

// OpenFlight adds an in-flight logbook entry and returns its id.
func (s *Store) OpenFlight(ctx context.Context, flarmID string) (string, error) {
	id := strconv.FormatInt(time.Now().UnixNano(), 36)
	_, err := s.db.ExecContext(ctx, `INSERT INTO flight_logbook (id, flarm_id, status) VALUES (?, ?, ?)`,
		id, strings.ToUpper(flarmID), statusInFlight)
	if err != nil {
		return "", fmt.Errorf("failed to open flight: %w", err)
	}
	return id, nil
}

// WinchAltitude returns the stored winch launch altitude of a logbook entry.
func (s *Store) WinchAltitude(ctx context.Context, flightID string) (float64, bool, error) {
	var alt sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `SELECT winch_launch_altitude FROM flight_logbook WHERE id = ?`, flightID).Scan(&alt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, storage.ErrNotFound
	}
	if err != nil {
		return 0, false, err
	}
	return alt.Float64, alt.Valid, nil
}
