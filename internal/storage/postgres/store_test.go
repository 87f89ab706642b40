package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/fsk-gliding/ogn-tracker/internal/ddb"
	"github.com/fsk-gliding/ogn-tracker/internal/storage"
	"github.com/fsk-gliding/ogn-tracker/pkg/logger"
)

// openStore connects to TEST_DATABASE_URL and empties the tables. Tests are
// skipped when it is unset.
func openStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn, logger.NewNop())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if _, err := s.pool.Exec(ctx, `TRUNCATE positions, flight_events, planes, flight_logbook, clubs, devices`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return s
}

func fp(v float64) *float64 { return &v }

func TestTrackAndEvents(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		p := storage.Position{AircraftID: "FLRDDA5BA", FlarmID: "DDA5BA", Timestamp: t0.Add(time.Duration(i) * time.Second), Latitude: 55.9, Longitude: 9.7, Altitude: fp(float64(i))}
		if err := s.StorePosition(ctx, p); err != nil {
			t.Fatalf("StorePosition() error: %v", err)
		}
	}
	track, err := s.AircraftTrack(ctx, "FLRDDA5BA", 2)
	if err != nil || len(track) != 2 || *track[0].Altitude != 2 || track[0].Track != nil {
		t.Fatalf("track=%+v err=%v", track, err)
	}

	ev := storage.FlightEvent{Type: "takeoff", Origin: "ogn", ID: "FLRDDA5BA", Timestamp: t0, Airfield: "Vejle", AirfieldICAO: "EKVL", StartType: "winch"}
	if err := s.StoreFlightEvent(ctx, ev); err != nil {
		t.Fatalf("StoreFlightEvent() error: %v", err)
	}
	events, err := s.RecentFlightEvents(ctx, 5)
	if err != nil {
		t.Fatalf("RecentFlightEvents() error: %v", err)
	}
	if diff := cmp.Diff([]storage.FlightEvent{ev}, events); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestLogbookAndReference(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	seed := []string{
		`INSERT INTO flight_logbook (id, flarm_id, status) VALUES ('f1', 'DDA5BA', 'INFLIGHT')`,
		`INSERT INTO flight_logbook (id, flarm_id, status, deleted) VALUES ('f0', 'DD1234', 'INFLIGHT', TRUE)`,
		`INSERT INTO clubs (name, status, homefield) VALUES ('A', 'active', 'EKVL'), ('B', 'inactive', 'EKAB'), ('C', 'active', '')`,
		`INSERT INTO planes (flarm_id) VALUES ('dda5ba'), (''), (NULL)`,
	}
	for _, q := range seed {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			t.Fatalf("seed %q: %v", q, err)
		}
	}

	if id, ok, err := s.FindActiveFlight(ctx, "DDA5BA"); err != nil || !ok || id != "f1" {
		t.Fatalf("FindActiveFlight()=%q,%v,%v want f1", id, ok, err)
	}
	if _, ok, _ := s.FindActiveFlight(ctx, "DD1234"); ok {
		t.Fatalf("deleted flight reported active")
	}
	if err := s.UpdateFlightWinchAltitude(ctx, "f1", 380); err != nil {
		t.Fatalf("UpdateFlightWinchAltitude() error: %v", err)
	}
	if err := s.UpdateFlightWinchAltitude(ctx, "nope", 1); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}

	fields, err := s.ActiveHomefields(ctx)
	if err != nil || len(fields) != 1 || fields[0] != "EKVL" {
		t.Fatalf("homefields=%v err=%v", fields, err)
	}
	ids, err := s.ClubFlarmIDs(ctx)
	if err != nil || len(ids) != 1 || ids[0] != "DDA5BA" {
		t.Fatalf("flarm ids=%v err=%v", ids, err)
	}
}

func TestReplaceDevicesDeduplicates(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	devices := []ddb.Device{
		{DeviceType: "F", DeviceID: "DDA5BA", Model: "LS-4", Registration: "OY-XKL", CN: "KL", Tracked: true, Identified: true},
		{DeviceType: "F", DeviceID: "DDA5BA", Model: "duplicate"},
	}
	if err := s.ReplaceDevices(ctx, devices); err != nil {
		t.Fatalf("ReplaceDevices() error: %v", err)
	}
	got, err := s.Devices(ctx)
	if err != nil {
		t.Fatalf("Devices() error: %v", err)
	}
	if diff := cmp.Diff(devices[:1], got); diff != "" {
		t.Fatalf("devices mismatch (-want +got):\n%s", diff)
	}
}
