// Package storage defines the persistence contract of the tracker and the
// asynchronous writer that keeps database latency off the beacon path.
// The sqlite and postgres subpackages implement Store.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/fsk-gliding/ogn-tracker/internal/ddb"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// Position is one stored position of a club aircraft.
type Position struct {
	AircraftID      string    `json:"aircraft_id"`
	FlarmID         string    `json:"flarm_id"`
	Timestamp       time.Time `json:"timestamp"`
	Latitude        float64   `json:"latitude"`
	Longitude       float64   `json:"longitude"`
	Altitude        *float64  `json:"altitude,omitempty"`
	Track           *float64  `json:"track,omitempty"`
	GroundSpeed     *float64  `json:"ground_speed,omitempty"`
	ClimbRate       *float64  `json:"climb_rate,omitempty"`
	TurnRate        *float64  `json:"turn_rate,omitempty"`
	AircraftModel   string    `json:"aircraft_model,omitempty"`
	Registration    string    `json:"registration,omitempty"`
	AircraftType    string    `json:"aircraft_type,omitempty"`
	FlightLogbookID string    `json:"flight_logbook_id,omitempty"`
}

// FlightEvent is a takeoff or landing as delivered to storage and the
// event bus. ID is the aircraft identifier, not a row id.
type FlightEvent struct {
	Type          string    `json:"type"`
	Origin        string    `json:"origin"`
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Airfield      string    `json:"airfield,omitempty"`
	AirfieldICAO  string    `json:"airfield_icao,omitempty"`
	Latitude      *float64  `json:"latitude,omitempty"`
	Longitude     *float64  `json:"longitude,omitempty"`
	AircraftType  string    `json:"aircraft_type,omitempty"`
	AircraftModel string    `json:"aircraft_model,omitempty"`
	Registration  string    `json:"registration,omitempty"`
	StartType     string    `json:"start_type,omitempty"`
	PairedWith    string    `json:"paired_with,omitempty"`
}

// Store is the persistence collaborator. Implementations must be safe for
// concurrent use.
type Store interface {
	StorePosition(ctx context.Context, p Position) error
	StoreFlightEvent(ctx context.Context, e FlightEvent) error

	// FindActiveFlight returns the logbook id of the in-flight, non-deleted
	// entry for flarmID. ok is false when there is none.
	FindActiveFlight(ctx context.Context, flarmID string) (id string, ok bool, err error)
	UpdateFlightWinchAltitude(ctx context.Context, flightID string, altitude float64) error

	ActiveHomefields(ctx context.Context) ([]string, error)
	ClubFlarmIDs(ctx context.Context) ([]string, error)

	AircraftTrack(ctx context.Context, aircraftID string, limit int) ([]Position, error)
	RecentFlightEvents(ctx context.Context, limit int) ([]FlightEvent, error)

	ddb.DeviceStore

	Close() error
}
