// Package ogn reads the Open Glider Network APRS feed: a pull-based line
// stream over APRS-IS and a decoder for aircraft position beacons.
package ogn

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// RawBeacon is one line received from the feed.
type RawBeacon struct {
	Line     string
	Received time.Time
}

// Beacon is a decoded aircraft position report. Optional fields are nil
// when the report does not carry them.
type Beacon struct {
	Callsign    string    // e.g. FLRDDA5BA
	Destination string    // e.g. OGFLR or APRS
	Receiver    string    // last path element, the receiving station
	Address     string    // device address from the id field, upper-case hex
	AddressType int       // 0 random, 1 ICAO, 2 FLARM, 3 OGN
	AircraftKey int       // OGN aircraft type code from the id field
	Timestamp   time.Time // report time (UTC), completed with the receive date

	Latitude  float64
	Longitude float64

	Altitude    *float64 // metres
	Track       *float64 // degrees true
	GroundSpeed *float64 // km/h
	ClimbRate   *float64 // m/s
	TurnRate    *float64 // rotations per minute

	SymbolTable byte
	SymbolCode  byte

	Raw string
}

// ID returns the identifier the tracker keys aircraft by.
func (b Beacon) ID() string {
	return b.Callsign
}

// Category maps the APRS symbol to an aircraft category.
func (b Beacon) Category() string {
	return Category(b.SymbolTable, b.SymbolCode)
}

// ParseError reports a line that is not a decodable aircraft beacon.
type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse beacon: %s", e.Reason)
}

// ValidationError reports a beacon whose coordinates are missing or not numeric.
type ValidationError struct {
	Callsign string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid beacon from %s: %s", e.Callsign, e.Reason)
}

// IsParseError reports whether err is a *ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// IsValidationError reports whether err is a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

var symbolCategories = map[string]string{
	"/z": "Unknown",
	"/'": "Glider",
	"/X": "Helicopter",
	"/g": "Parachute/Hang-glider/Para-glider",
	`\^`: "Drop plane/Powered aircraft",
	"/^": "Jet aircraft",
	"/O": "Balloon/Airship",
	"/D": "UAV",
	`\n`: "Static object",
}

// Category returns the aircraft category for an APRS symbol, "Unknown" when
// the symbol is not an aircraft symbol.
func Category(table, code byte) string {
	if c, ok := symbolCategories[string([]byte{table, code})]; ok {
		return c
	}
	return "Unknown"
}

// knownPrefixes are the three-letter callsign prefixes OGN puts in front of
// a six-digit device address.
var knownPrefixes = []string{"FLR", "ICA", "OGN"}

// CleanID strips a known source prefix from a callsign, leaving the bare
// device address the device database and club registry use.
func CleanID(callsign string) string {
	for _, p := range knownPrefixes {
		if strings.HasPrefix(callsign, p) && len(callsign) == len(p)+6 {
			return callsign[len(p):]
		}
	}
	return callsign
}
